// Package bridge serves the host-side key/value service that plugins call
// back into. Each plugin gets a Scope bound to its own namespace and its
// declared service permissions.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

const defaultCallbackTimeout = 5 * time.Second

// Recorder observes bridge calls. A nil Recorder is allowed.
type Recorder interface {
	BridgeCall(pluginID, op string, err error)
}

// Bridge hands out per-plugin scopes over a shared store.
type Bridge struct {
	store    Store
	timeout  time.Duration
	recorder Recorder
}

// New creates a Bridge. A nil store makes every call fail with ErrServiceUnavailable.
func New(store Store, timeout time.Duration, recorder Recorder) *Bridge {
	if timeout <= 0 {
		timeout = defaultCallbackTimeout
	}
	return &Bridge{store: store, timeout: timeout, recorder: recorder}
}

// For returns the callback service registered for one plugin instance.
func (b *Bridge) For(desc models.PluginDescriptor) *Scope {
	return &Scope{bridge: b, pluginID: desc.ID, desc: desc.Clone()}
}

// Scope is registered as the "Host" net/rpc service on a plugin's session.
// Only its RPC methods are exported.
type Scope struct {
	bridge   *Bridge
	pluginID string
	desc     models.PluginDescriptor
}

func (s *Scope) do(op string, fn func(ctx context.Context, store Store) error) (err error) {
	defer func() {
		if s.bridge.recorder != nil {
			s.bridge.recorder.BridgeCall(s.pluginID, op, err)
		}
		if err != nil {
			slog.Debug("Bridge call failed", "component", "Bridge", "plugin_id", s.pluginID, "op", op, "error", err)
		}
	}()

	if !s.desc.Allows(op) {
		return fmt.Errorf("%w: %s not granted to %s", models.ErrPermissionDenied, op, s.pluginID)
	}
	if s.bridge.store == nil {
		return fmt.Errorf("%w: no store configured", models.ErrServiceUnavailable)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.bridge.timeout)
	defer cancel()

	if err := fn(ctx, s.bridge.store); err != nil {
		if errors.Is(err, errInvalidKey) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", models.ErrServiceUnavailable, op, err)
	}
	return nil
}

var errInvalidKey = errors.New("invalid key: must not be empty")

func (s *Scope) Get(args *protocol.KVGetArgs, reply *protocol.KVGetReply) error {
	return s.do(models.ServiceKVRead, func(ctx context.Context, store Store) error {
		if args.Key == "" {
			return errInvalidKey
		}
		v, ok, err := store.Get(ctx, s.pluginID, args.Key)
		if err != nil {
			return err
		}
		reply.Value, reply.Found = v, ok
		return nil
	})
}

func (s *Scope) Put(args *protocol.KVPutArgs, reply *protocol.KVPutReply) error {
	return s.do(models.ServiceKVWrite, func(ctx context.Context, store Store) error {
		if args.Key == "" {
			return errInvalidKey
		}
		if err := store.Put(ctx, s.pluginID, args.Key, args.Value); err != nil {
			return err
		}
		reply.OK = true
		return nil
	})
}

func (s *Scope) Delete(args *protocol.KVDeleteArgs, reply *protocol.KVDeleteReply) error {
	return s.do(models.ServiceKVDelete, func(ctx context.Context, store Store) error {
		if args.Key == "" {
			return errInvalidKey
		}
		deleted, err := store.Delete(ctx, s.pluginID, args.Key)
		if err != nil {
			return err
		}
		reply.Deleted = deleted
		return nil
	})
}

func (s *Scope) List(args *protocol.KVListArgs, reply *protocol.KVListReply) error {
	return s.do(models.ServiceKVList, func(ctx context.Context, store Store) error {
		keys, err := store.List(ctx, s.pluginID, args.Prefix)
		if err != nil {
			return err
		}
		reply.Keys = keys
		return nil
	})
}
