// Package sdk is linked into plugin binaries. A plugin implements
// FunctionProvider or StorageProvider and calls Serve from main.
//
//	func main() {
//	    if err := sdk.Serve(sdk.ServeConfig{Plugin: &echo{}}); err != nil {
//	        os.Exit(1)
//	    }
//	}
package sdk

import (
	"context"

	"pluginhost/pkg/protocol"
)

// Plugin is the part every plugin implements.
type Plugin interface {
	// Init is called once after the handshake with the environment from the
	// registry entry. host is valid for the lifetime of the process.
	Init(ctx context.Context, env map[string]string, host HostServices) error
	Version() string
}

// FunctionProvider exposes named functions taking and returning JSON.
type FunctionProvider interface {
	Plugin
	Execute(ctx context.Context, name string, payload []byte) ([]byte, error)
}

// StorageProvider stores opaque files.
type StorageProvider interface {
	Plugin
	ListFiles(ctx context.Context, prefix string) ([]protocol.FileInfo, error)
	UploadFile(ctx context.Context, meta protocol.FileMetadata, content []byte) (protocol.FileInfo, error)
	DeleteFiles(ctx context.Context, ids []string) (deleted, missing []string, err error)
}

// HealthChecker is optional. When implemented, Ping fails if it returns an error.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HostServices is the key/value service the host injects into every plugin.
// Keys are private to the calling plugin.
type HostServices interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
