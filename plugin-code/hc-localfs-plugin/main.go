// hc-localfs-plugin is a storage provider that keeps file contents in a local
// directory and their metadata in the host's key-value service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"pluginhost/pkg/protocol"
	"pluginhost/pkg/sdk"
)

const (
	version    = "1.0.0"
	metaPrefix = "file:"
)

type localFS struct {
	logger hclog.Logger
	host   sdk.HostServices
	root   string
}

func (p *localFS) Init(_ context.Context, env map[string]string, host sdk.HostServices) error {
	p.host = host
	p.root = env["LOCALFS_ROOT"]
	if p.root == "" {
		p.root = filepath.Join(os.TempDir(), "hc-localfs")
	}
	if err := os.MkdirAll(p.root, 0o750); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}
	p.logger.Info("storage root ready", "root", p.root)
	return nil
}

func (p *localFS) Version() string { return version }

// HealthCheck fails when the storage root disappears or stops being a directory.
func (p *localFS) HealthCheck(context.Context) error {
	info, err := os.Stat(p.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", p.root)
	}
	return nil
}

func (p *localFS) ListFiles(ctx context.Context, prefix string) ([]protocol.FileInfo, error) {
	keys, err := p.host.List(ctx, metaPrefix)
	if err != nil {
		return nil, err
	}
	files := make([]protocol.FileInfo, 0, len(keys))
	for _, key := range keys {
		info, found, err := p.lookup(ctx, strings.TrimPrefix(key, metaPrefix))
		if err != nil {
			return nil, err
		}
		if found && strings.HasPrefix(info.Name, prefix) {
			files = append(files, info)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}
		return files[i].ID < files[j].ID
	})
	return files, nil
}

func (p *localFS) UploadFile(ctx context.Context, meta protocol.FileMetadata, content []byte) (protocol.FileInfo, error) {
	if meta.Name == "" {
		return protocol.FileInfo{}, errors.New("file name is required")
	}
	info := protocol.FileInfo{
		ID:          uuid.NewString(),
		Name:        meta.Name,
		Size:        int64(len(content)),
		ContentType: meta.ContentType,
		UploadedAt:  time.Now().UTC(),
	}
	if err := os.WriteFile(p.path(info.ID), content, 0o600); err != nil {
		return protocol.FileInfo{}, fmt.Errorf("write %s: %w", info.Name, err)
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return protocol.FileInfo{}, err
	}
	if err := p.host.Put(ctx, metaPrefix+info.ID, raw); err != nil {
		_ = os.Remove(p.path(info.ID))
		return protocol.FileInfo{}, err
	}
	p.logger.Info("file stored", "id", info.ID, "name", info.Name, "size", info.Size)
	return info, nil
}

func (p *localFS) DeleteFiles(ctx context.Context, ids []string) ([]string, []string, error) {
	var deleted, missing []string
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			missing = append(missing, id)
			continue
		}
		existed, err := p.host.Delete(ctx, metaPrefix+id)
		if err != nil {
			return deleted, missing, err
		}
		if rmErr := os.Remove(p.path(id)); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return deleted, missing, rmErr
		}
		if existed {
			deleted = append(deleted, id)
		} else {
			missing = append(missing, id)
		}
	}
	return deleted, missing, nil
}

func (p *localFS) lookup(ctx context.Context, id string) (protocol.FileInfo, bool, error) {
	raw, found, err := p.host.Get(ctx, metaPrefix+id)
	if err != nil || !found {
		return protocol.FileInfo{}, false, err
	}
	var info protocol.FileInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return protocol.FileInfo{}, false, fmt.Errorf("corrupt metadata for %s: %w", id, err)
	}
	return info, true, nil
}

// path never escapes root: ids are uuids generated here.
func (p *localFS) path(id string) string {
	return filepath.Join(p.root, id)
}

func main() {
	logger := sdk.NewLogger("hc-localfs-plugin")
	err := sdk.Serve(sdk.ServeConfig{
		Handshake: protocol.Handshake,
		Plugin:    &localFS{logger: logger},
		Logger:    logger,
	})
	if err != nil {
		logger.Error("plugin exited", "error", err)
		os.Exit(1)
	}
}
