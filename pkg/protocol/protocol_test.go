package protocol

import (
	"errors"
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pluginhost/pkg/models"
)

func TestParseConnectionInfo(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    ConnectionInfo
		wantErr bool
	}{
		{
			name: "unix socket",
			line: "1|1|unix|/tmp/plugin123|netrpc\n",
			want: ConnectionInfo{CoreVersion: 1, AppVersion: 1, Network: "unix", Address: "/tmp/plugin123", Protocol: "netrpc"},
		},
		{
			name: "tcp",
			line: "1|3|tcp|127.0.0.1:4455|netrpc",
			want: ConnectionInfo{CoreVersion: 1, AppVersion: 3, Network: "tcp", Address: "127.0.0.1:4455", Protocol: "netrpc"},
		},
		{name: "too few fields", line: "1|1|unix|/tmp/x", wantErr: true},
		{name: "too many fields", line: "1|1|unix|/tmp/x|netrpc|extra", wantErr: true},
		{name: "non numeric core", line: "x|1|unix|/tmp/x|netrpc", wantErr: true},
		{name: "non numeric app", line: "1|y|unix|/tmp/x|netrpc", wantErr: true},
		{name: "bad network", line: "1|1|udp|/tmp/x|netrpc", wantErr: true},
		{name: "empty address", line: "1|1|unix||netrpc", wantErr: true},
		{name: "garbage", line: "hello world", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConnectionInfo(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectionInfoRoundTrip(t *testing.T) {
	info := ConnectionInfo{CoreVersion: 1, AppVersion: 2, Network: NetworkTCP, Address: "127.0.0.1:9000", Protocol: RPCProtocol}
	parsed, err := ParseConnectionInfo(info.String())
	require.NoError(t, err)
	assert.Equal(t, info, parsed)
}

func TestDecodeError(t *testing.T) {
	assert.NoError(t, DecodeError(nil))

	plain := errors.New("connection reset")
	assert.Same(t, plain, DecodeError(plain))

	denied := DecodeError(rpc.ServerError(models.ErrPermissionDenied.Error() + ": kv.write"))
	assert.ErrorIs(t, denied, models.ErrPermissionDenied)
	assert.Contains(t, denied.Error(), "kv.write")

	unavailable := DecodeError(rpc.ServerError(models.ErrServiceUnavailable.Error()))
	assert.ErrorIs(t, unavailable, models.ErrServiceUnavailable)

	other := DecodeError(rpc.ServerError("unknown function \"nope\""))
	var remote *RemoteError
	require.ErrorAs(t, other, &remote)
	assert.Equal(t, "unknown function \"nope\"", remote.Message)
	assert.NotErrorIs(t, other, models.ErrPermissionDenied)

	relayed := DecodeError(rpc.ServerError(models.ErrRPCTimeout.Error() + ": host Get: context deadline exceeded"))
	require.ErrorAs(t, relayed, &remote)
	assert.NotErrorIs(t, relayed, models.ErrRPCTimeout)
}
