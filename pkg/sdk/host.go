package sdk

import (
	"context"
	"fmt"
	"net/rpc"
	"time"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

// hostClient calls the host's injected services over the callback stream.
type hostClient struct {
	rpc     *rpc.Client
	timeout time.Duration
	done    <-chan struct{}
}

func (h *hostClient) call(ctx context.Context, method string, args, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	call := h.rpc.Go(protocol.HostService+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return protocol.DecodeError(call.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: host %s: %w", models.ErrRPCTimeout, method, ctx.Err())
	case <-h.done:
		return fmt.Errorf("%w: host %s: session closed", models.ErrRPCTransport, method)
	}
}

func (h *hostClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var reply protocol.KVGetReply
	if err := h.call(ctx, "Get", &protocol.KVGetArgs{Key: key}, &reply); err != nil {
		return nil, false, err
	}
	return reply.Value, reply.Found, nil
}

func (h *hostClient) Put(ctx context.Context, key string, value []byte) error {
	var reply protocol.KVPutReply
	return h.call(ctx, "Put", &protocol.KVPutArgs{Key: key, Value: value}, &reply)
}

func (h *hostClient) Delete(ctx context.Context, key string) (bool, error) {
	var reply protocol.KVDeleteReply
	if err := h.call(ctx, "Delete", &protocol.KVDeleteArgs{Key: key}, &reply); err != nil {
		return false, err
	}
	return reply.Deleted, nil
}

func (h *hostClient) List(ctx context.Context, prefix string) ([]string, error) {
	var reply protocol.KVListReply
	if err := h.call(ctx, "List", &protocol.KVListArgs{Prefix: prefix}, &reply); err != nil {
		return nil, err
	}
	return reply.Keys, nil
}
