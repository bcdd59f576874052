// Package transport is the host side of the plugin RPC channel: a yamux
// session over the advertised socket carrying net/rpc in both directions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

// Timeouts bound each class of host-to-plugin call.
type Timeouts struct {
	Ping    time.Duration
	Init    time.Duration
	Default time.Duration
	Upload  time.Duration
}

// DefaultTimeouts are used for any zero field.
var DefaultTimeouts = Timeouts{
	Ping:    2 * time.Second,
	Init:    5 * time.Second,
	Default: 10 * time.Second,
	Upload:  60 * time.Second,
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Ping <= 0 {
		t.Ping = DefaultTimeouts.Ping
	}
	if t.Init <= 0 {
		t.Init = DefaultTimeouts.Init
	}
	if t.Default <= 0 {
		t.Default = DefaultTimeouts.Default
	}
	if t.Upload <= 0 {
		t.Upload = DefaultTimeouts.Upload
	}
	return t
}

// Client is a connected RPC channel to one plugin instance.
type Client struct {
	pluginID string
	timeouts Timeouts

	conn    net.Conn
	session *yamux.Session
	rpc     *rpc.Client

	closeOnce sync.Once
}

// Dial connects to the address from the plugin's handshake line and opens
// the request stream. callbacks, when non-nil, is served as the "Host"
// service on every stream the plugin opens.
func Dial(ctx context.Context, pluginID string, info protocol.ConnectionInfo, callbacks any, timeouts Timeouts) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, info.Network, info.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s %s: %w", models.ErrRPCTransport, info.Network, info.Address, err)
	}

	logger := slog.NewLogLogger(slog.Default().Handler().WithAttrs([]slog.Attr{
		slog.String("component", "Transport"),
		slog.String("plugin_id", pluginID),
	}), slog.LevelDebug)

	session, err := yamux.Client(conn, protocol.MuxConfig(logger))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: yamux client: %w", models.ErrRPCTransport, err)
	}

	stream, err := session.Open()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: open request stream: %w", models.ErrRPCTransport, err)
	}

	c := &Client{
		pluginID: pluginID,
		timeouts: timeouts.withDefaults(),
		conn:     conn,
		session:  session,
		rpc:      rpc.NewClient(stream),
	}

	var server *rpc.Server
	if callbacks != nil {
		server = rpc.NewServer()
		if err := server.RegisterName(protocol.HostService, callbacks); err != nil {
			c.Close()
			return nil, fmt.Errorf("register host callbacks: %w", err)
		}
	}
	go c.acceptCallbacks(server)

	return c, nil
}

func (c *Client) acceptCallbacks(server *rpc.Server) {
	for {
		stream, err := c.session.Accept()
		if err != nil {
			return
		}
		if server == nil {
			stream.Close()
			continue
		}
		go server.ServeConn(stream)
	}
}

// Done is closed when the underlying session terminates.
func (c *Client) Done() <-chan struct{} { return c.session.CloseChan() }

// Close tears down the session. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.rpc.Close()
		err = c.session.Close()
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, timeout time.Duration, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", models.ErrRPCTimeout, method, c.pluginID, err)
	}

	call := c.rpc.Go(protocol.PluginService+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		return classify(method, call.Error)
	case <-ctx.Done():
		return fmt.Errorf("%w: %s on %s: %w", models.ErrRPCTimeout, method, c.pluginID, ctx.Err())
	case <-c.session.CloseChan():
		return fmt.Errorf("%w: %s on %s: session closed", models.ErrRPCTransport, method, c.pluginID)
	}
}

func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return protocol.DecodeError(err)
	}
	// rpc.ErrShutdown, io.EOF and anything else mean the channel is gone.
	return fmt.Errorf("%w: %s: %w", models.ErrRPCTransport, method, err)
}

// Handshake asks the plugin for the identity triple it was built with.
func (c *Client) Handshake(ctx context.Context) (models.HandshakeConfig, error) {
	var reply protocol.HandshakeReply
	if err := c.call(ctx, "Handshake", c.timeouts.Init, &protocol.HandshakeArgs{HostVersion: protocol.CoreProtocolVersion}, &reply); err != nil {
		return models.HandshakeConfig{}, err
	}
	return models.HandshakeConfig{
		ProtocolVersion:  reply.ProtocolVersion,
		MagicCookieKey:   reply.MagicCookieKey,
		MagicCookieValue: reply.MagicCookieValue,
	}, nil
}

// Init hands the plugin its launch environment and instance id.
func (c *Client) Init(ctx context.Context, instanceID string, env map[string]string) error {
	var reply protocol.InitReply
	return c.call(ctx, "Init", c.timeouts.Init, &protocol.InitArgs{PluginID: c.pluginID, InstanceID: instanceID, Env: env}, &reply)
}

func (c *Client) GetVersion(ctx context.Context) (string, error) {
	var reply protocol.VersionReply
	if err := c.call(ctx, "GetVersion", c.timeouts.Init, &protocol.VersionArgs{PluginID: c.pluginID}, &reply); err != nil {
		return "", err
	}
	return reply.Version, nil
}

// Ping round-trips a nonce. A plugin that answers with a different nonce is
// treated as unhealthy.
func (c *Client) Ping(ctx context.Context) error {
	nonce := uuid.NewString()
	var reply protocol.PingReply
	if err := c.call(ctx, "Ping", c.timeouts.Ping, &protocol.PingArgs{Nonce: nonce}, &reply); err != nil {
		return err
	}
	if reply.Nonce != nonce {
		return fmt.Errorf("ping %s: nonce mismatch", c.pluginID)
	}
	return nil
}

func (c *Client) Execute(ctx context.Context, name string, payload []byte) ([]byte, error) {
	var reply protocol.ExecuteReply
	if err := c.call(ctx, "Execute", c.timeouts.Default, &protocol.ExecuteArgs{Name: name, Payload: payload}, &reply); err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

func (c *Client) ListFiles(ctx context.Context, prefix string) ([]protocol.FileInfo, error) {
	var reply protocol.ListFilesReply
	if err := c.call(ctx, "ListFiles", c.timeouts.Default, &protocol.ListFilesArgs{Prefix: prefix}, &reply); err != nil {
		return nil, err
	}
	return reply.Files, nil
}

func (c *Client) UploadFile(ctx context.Context, meta protocol.FileMetadata, content []byte) (protocol.FileInfo, error) {
	var reply protocol.UploadFileReply
	if err := c.call(ctx, "UploadFile", c.timeouts.Upload, &protocol.UploadFileArgs{Metadata: meta, Content: content}, &reply); err != nil {
		return protocol.FileInfo{}, err
	}
	return reply.File, nil
}

func (c *Client) DeleteFiles(ctx context.Context, ids []string) (protocol.DeleteFilesReply, error) {
	var reply protocol.DeleteFilesReply
	if err := c.call(ctx, "DeleteFiles", c.timeouts.Default, &protocol.DeleteFilesArgs{IDs: ids}, &reply); err != nil {
		return protocol.DeleteFilesReply{}, err
	}
	return reply, nil
}

// Shutdown asks the plugin to exit on its own. Errors are expected when the
// plugin closes the session before replying.
func (c *Client) Shutdown(ctx context.Context, reason string) error {
	var reply protocol.ShutdownReply
	return c.call(ctx, "Shutdown", c.timeouts.Ping, &protocol.ShutdownArgs{Reason: reason}, &reply)
}
