package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"pluginhost/pkg/protocol"
)

var errNotImplemented = errors.New("capability not implemented by plugin")

// rpcServer adapts a Plugin to the net/rpc method set the host calls.
type rpcServer struct {
	ctx    context.Context
	cfg    ServeConfig
	host   HostServices
	logger hclog.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func (s *rpcServer) Handshake(args *protocol.HandshakeArgs, reply *protocol.HandshakeReply) error {
	reply.ProtocolVersion = s.cfg.Handshake.ProtocolVersion
	reply.MagicCookieKey = s.cfg.Handshake.MagicCookieKey
	reply.MagicCookieValue = s.cfg.Handshake.MagicCookieValue
	return nil
}

func (s *rpcServer) Init(args *protocol.InitArgs, reply *protocol.InitReply) error {
	s.logger.Debug("init", "plugin_id", args.PluginID, "instance_id", args.InstanceID)
	if err := s.cfg.Plugin.Init(s.ctx, args.Env, s.host); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *rpcServer) GetVersion(args *protocol.VersionArgs, reply *protocol.VersionReply) error {
	reply.Version = s.cfg.Plugin.Version()
	return nil
}

func (s *rpcServer) Ping(args *protocol.PingArgs, reply *protocol.PingReply) error {
	if hc, ok := s.cfg.Plugin.(HealthChecker); ok {
		if err := hc.HealthCheck(s.ctx); err != nil {
			return fmt.Errorf("health check: %w", err)
		}
	}
	reply.Nonce = args.Nonce
	return nil
}

func (s *rpcServer) Execute(args *protocol.ExecuteArgs, reply *protocol.ExecuteReply) error {
	fp, ok := s.cfg.Plugin.(FunctionProvider)
	if !ok {
		return errNotImplemented
	}
	out, err := fp.Execute(s.ctx, args.Name, args.Payload)
	if err != nil {
		return err
	}
	reply.Payload = out
	return nil
}

func (s *rpcServer) ListFiles(args *protocol.ListFilesArgs, reply *protocol.ListFilesReply) error {
	sp, ok := s.cfg.Plugin.(StorageProvider)
	if !ok {
		return errNotImplemented
	}
	files, err := sp.ListFiles(s.ctx, args.Prefix)
	if err != nil {
		return err
	}
	reply.Files = files
	return nil
}

func (s *rpcServer) UploadFile(args *protocol.UploadFileArgs, reply *protocol.UploadFileReply) error {
	sp, ok := s.cfg.Plugin.(StorageProvider)
	if !ok {
		return errNotImplemented
	}
	file, err := sp.UploadFile(s.ctx, args.Metadata, args.Content)
	if err != nil {
		return err
	}
	reply.File = file
	return nil
}

func (s *rpcServer) DeleteFiles(args *protocol.DeleteFilesArgs, reply *protocol.DeleteFilesReply) error {
	sp, ok := s.cfg.Plugin.(StorageProvider)
	if !ok {
		return errNotImplemented
	}
	deleted, missing, err := sp.DeleteFiles(s.ctx, args.IDs)
	if err != nil {
		return err
	}
	reply.Deleted = deleted
	reply.Missing = missing
	return nil
}

func (s *rpcServer) Shutdown(args *protocol.ShutdownArgs, reply *protocol.ShutdownReply) error {
	s.logger.Info("shutdown", "reason", args.Reason)
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	reply.OK = true
	return nil
}
