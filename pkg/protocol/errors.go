package protocol

import (
	"errors"
	"net/rpc"
	"strings"

	"pluginhost/pkg/models"
)

// wireSentinels survive the trip across net/rpc. Transport sentinels stay
// local and are never decoded from a remote message.
var wireSentinels = []error{
	models.ErrPermissionDenied,
	models.ErrServiceUnavailable,
	models.ErrNotFound,
	models.ErrCapabilityUnavailable,
}

// RemoteError is an error returned by the other side of an RPC call.
type RemoteError struct {
	Message string
	kind    error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.kind }

// DecodeError restores typed sentinels from a net/rpc server error.
// net/rpc transports only the message, so sentinels are matched by prefix.
func DecodeError(err error) error {
	if err == nil {
		return nil
	}
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	msg := string(serverErr)
	for _, sentinel := range wireSentinels {
		if strings.HasPrefix(msg, sentinel.Error()) {
			return &RemoteError{Message: msg, kind: sentinel}
		}
	}
	return &RemoteError{Message: msg}
}
