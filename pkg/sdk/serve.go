package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/yamux"

	"pluginhost/pkg/handshake"
	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

// ServeConfig configures a plugin process.
type ServeConfig struct {
	Handshake       models.HandshakeConfig // Zero value means protocol.Handshake
	Plugin          Plugin
	Logger          hclog.Logger
	Stdout          io.Writer     // Handshake line destination, defaults to os.Stdout
	HostCallTimeout time.Duration // Limit for callbacks into the host
}

// NewLogger returns the JSON logger the host knows how to forward.
func NewLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.Debug,
		Output:     os.Stderr,
		JSONFormat: true,
	})
}

// Serve runs the plugin until the host asks it to shut down, the session
// drops, or the process receives SIGINT or SIGTERM.
func Serve(cfg ServeConfig) error {
	if cfg.Plugin == nil {
		return errors.New("sdk: no plugin to serve")
	}
	if cfg.Handshake == (models.HandshakeConfig{}) {
		cfg.Handshake = protocol.Handshake
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLogger("plugin")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.HostCallTimeout <= 0 {
		cfg.HostCallTimeout = 5 * time.Second
	}
	logger := cfg.Logger

	if err := handshake.CheckEnv(cfg.Handshake); err != nil {
		fmt.Fprintln(os.Stderr, "This binary is a plugin and must be launched by the plugin host.")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := listen()
	if err != nil {
		logger.Error("failed to listen", "error", err)
		return err
	}
	defer ln.Close()

	info := protocol.ConnectionInfo{
		CoreVersion: protocol.CoreProtocolVersion,
		AppVersion:  cfg.Handshake.ProtocolVersion,
		Network:     ln.Addr().Network(),
		Address:     ln.Addr().String(),
		Protocol:    protocol.RPCProtocol,
	}
	fmt.Fprintln(cfg.Stdout, info.String())

	conn, err := acceptOne(ctx, ln)
	if err != nil {
		return err
	}
	ln.Close()

	session, err := yamux.Server(conn, protocol.MuxConfig(logger.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})))
	if err != nil {
		conn.Close()
		return fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	requests, err := session.Accept()
	if err != nil {
		return fmt.Errorf("accept request stream: %w", err)
	}
	callbacks, err := session.Open()
	if err != nil {
		return fmt.Errorf("open callback stream: %w", err)
	}

	host := &hostClient{rpc: rpc.NewClient(callbacks), timeout: cfg.HostCallTimeout, done: session.CloseChan()}
	defer host.rpc.Close()

	srv := &rpcServer{
		ctx:      ctx,
		cfg:      cfg,
		host:     host,
		shutdown: make(chan struct{}),
		logger:   logger,
	}
	server := rpc.NewServer()
	if err := server.RegisterName(protocol.PluginService, srv); err != nil {
		return fmt.Errorf("register plugin service: %w", err)
	}
	go server.ServeConn(requests)

	logger.Debug("plugin serving", "network", info.Network, "address", info.Address)

	select {
	case <-srv.shutdown:
		logger.Info("shutdown requested by host")
		// Give the Shutdown reply a chance to reach the host.
		select {
		case <-session.CloseChan():
		case <-time.After(500 * time.Millisecond):
		}
	case <-session.CloseChan():
		logger.Info("host closed the session")
	case <-ctx.Done():
		logger.Info("received signal, exiting")
	}
	return nil
}

func listen() (net.Listener, error) {
	if os.Getenv(protocol.EnvNetwork) == protocol.NetworkTCP {
		return net.Listen("tcp", "127.0.0.1:0")
	}

	dir := os.Getenv(protocol.EnvSocketDir)
	f, err := os.CreateTemp(dir, "plugin")
	if err != nil {
		return nil, fmt.Errorf("reserve socket path: %w", err)
	}
	path := f.Name()
	f.Close()
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("reserve socket path: %w", err)
	}
	return net.Listen("unix", path)
}

func acceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accept host connection: %w", r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
