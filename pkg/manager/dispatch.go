package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
	"pluginhost/pkg/transport"
	"pluginhost/pkg/worker"
)

// Execute calls a named function on a ready function-provider plugin.
func (m *Manager) Execute(ctx context.Context, id, name string, payload []byte) ([]byte, error) {
	return dispatch(ctx, m, id, models.KindFunction, "Execute", func(ctx context.Context, c *transport.Client) ([]byte, error) {
		return c.Execute(ctx, name, payload)
	})
}

// ListFiles lists files held by a ready storage-provider plugin.
func (m *Manager) ListFiles(ctx context.Context, id, prefix string) ([]protocol.FileInfo, error) {
	return dispatch(ctx, m, id, models.KindStorage, "ListFiles", func(ctx context.Context, c *transport.Client) ([]protocol.FileInfo, error) {
		return c.ListFiles(ctx, prefix)
	})
}

// UploadFile stores content on a ready storage-provider plugin.
func (m *Manager) UploadFile(ctx context.Context, id string, meta protocol.FileMetadata, content []byte) (protocol.FileInfo, error) {
	return dispatch(ctx, m, id, models.KindStorage, "UploadFile", func(ctx context.Context, c *transport.Client) (protocol.FileInfo, error) {
		return c.UploadFile(ctx, meta, content)
	})
}

// DeleteFiles removes files from a ready storage-provider plugin.
func (m *Manager) DeleteFiles(ctx context.Context, id string, ids []string) (protocol.DeleteFilesReply, error) {
	return dispatch(ctx, m, id, models.KindStorage, "DeleteFiles", func(ctx context.Context, c *transport.Client) (protocol.DeleteFilesReply, error) {
		return c.DeleteFiles(ctx, ids)
	})
}

// dispatch routes a call through the binding table. It fails fast with
// ErrCapabilityUnavailable when no routable instance of the right kind exists.
func dispatch[R any](ctx context.Context, m *Manager, id string, kind models.CapabilityKind, method string, fn func(context.Context, *transport.Client) (R, error)) (R, error) {
	var zero R

	inst, ok := m.instances[id]
	if !ok {
		err := fmt.Errorf("%w: %w: %s", models.ErrCapabilityUnavailable, models.ErrNotFound, id)
		m.metrics.RecordCall(id, method, 0, err)
		return zero, err
	}
	client, ok := m.bindings.lookup(id, kind)
	if !ok {
		err := fmt.Errorf("%w: %s has no routable %s instance (state %s)", models.ErrCapabilityUnavailable, id, kind, inst.getState())
		m.metrics.RecordCall(id, method, 0, err)
		return zero, err
	}

	start := time.Now()
	out, err := worker.Do(ctx, m.pool, func(ctx context.Context) (R, error) {
		return fn(ctx, client)
	})
	elapsed := time.Since(start)

	chargeable := pluginAtFault(ctx, err)
	switch {
	case errors.Is(err, worker.ErrPoolStopped):
		err = fmt.Errorf("%w: %s: %w", models.ErrCapabilityUnavailable, id, err)
	case !errors.Is(err, models.ErrRPCTimeout) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// Cancelled while queued.
		err = fmt.Errorf("%w: %s on %s: %w", models.ErrRPCTimeout, method, id, err)
	}

	inst.recordCall(elapsed, err != nil, errors.Is(err, models.ErrRPCTimeout))
	m.metrics.RecordCall(id, method, elapsed, err)
	if chargeable {
		inst.report(healthReport{client: client, err: err})
	}
	return out, err
}

// pluginAtFault reports whether err is a host-side transport failure or
// per-call timeout. Errors relayed from the plugin and calls abandoned by the
// caller do not count against the instance.
func pluginAtFault(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return errors.Is(err, models.ErrRPCTimeout) || errors.Is(err, models.ErrRPCTransport)
}
