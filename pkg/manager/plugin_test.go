package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
	"pluginhost/pkg/sdk"
)

// pluginModeEnv selects which fake plugin the re-executed test binary serves.
const pluginModeEnv = "MANAGER_TEST_PLUGIN"

func runTestPlugin(mode string) {
	cfg := sdk.ServeConfig{Handshake: testHandshake, Logger: sdk.NewLogger(mode)}
	switch mode {
	case "function":
		cfg.Plugin = &functionPlugin{}
	case "storage":
		cfg.Plugin = &storagePlugin{files: map[string]stored{}}
	case "badversion":
		cfg.Plugin = &functionPlugin{}
		cfg.Handshake.ProtocolVersion = testHandshake.ProtocolVersion + 1
	case "exit":
		fmt.Fprintln(os.Stderr, "exiting before handshake")
		os.Exit(1)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stderr, "unknown mode", mode)
		os.Exit(2)
	}
	if err := sdk.Serve(cfg); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

type kvPayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type functionPlugin struct {
	host      sdk.HostServices
	env       map[string]string
	unhealthy atomic.Bool
}

func (p *functionPlugin) Init(_ context.Context, env map[string]string, host sdk.HostServices) error {
	p.env = env
	p.host = host
	return nil
}

func (p *functionPlugin) Version() string { return "1.2.3" }

func (p *functionPlugin) HealthCheck(context.Context) error {
	if p.unhealthy.Load() {
		return errors.New("feeling sick")
	}
	return nil
}

func (p *functionPlugin) Execute(ctx context.Context, name string, payload []byte) ([]byte, error) {
	switch name {
	case "echo":
		return payload, nil
	case "sleep":
		time.Sleep(3 * time.Second)
		return payload, nil
	case "crash":
		go func() {
			time.Sleep(20 * time.Millisecond)
			os.Exit(3)
		}()
		return []byte(`"bye"`), nil
	case "env":
		return []byte(p.env[string(payload)]), nil
	case "sick":
		p.unhealthy.Store(true)
		return nil, nil
	case "heal":
		p.unhealthy.Store(false)
		return nil, nil
	case "put":
		var kv kvPayload
		if err := json.Unmarshal(payload, &kv); err != nil {
			return nil, err
		}
		return nil, p.host.Put(ctx, kv.Key, []byte(kv.Value))
	case "stall":
		// What the SDK returns when a host callback runs out of time.
		return nil, fmt.Errorf("%w: host Get: %w", models.ErrRPCTimeout, context.DeadlineExceeded)
	case "get":
		v, ok, err := p.host.Get(ctx, string(payload))
		if err != nil {
			return nil, err
		}
		if !ok {
			return []byte("<missing>"), nil
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

type stored struct {
	info    protocol.FileInfo
	content []byte
}

type storagePlugin struct {
	mu    sync.Mutex
	next  int
	files map[string]stored
}

func (p *storagePlugin) Init(context.Context, map[string]string, sdk.HostServices) error { return nil }

func (p *storagePlugin) Version() string { return "0.0.1" }

func (p *storagePlugin) ListFiles(_ context.Context, prefix string) ([]protocol.FileInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []protocol.FileInfo{}
	for _, f := range p.files {
		if strings.HasPrefix(f.info.Name, prefix) {
			out = append(out, f.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *storagePlugin) UploadFile(_ context.Context, meta protocol.FileMetadata, content []byte) (protocol.FileInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	info := protocol.FileInfo{
		ID:          fmt.Sprintf("f%03d", p.next),
		Name:        meta.Name,
		Size:        int64(len(content)),
		ContentType: meta.ContentType,
		UploadedAt:  time.Now().UTC(),
	}
	p.files[info.ID] = stored{info: info, content: content}
	return info, nil
}

func (p *storagePlugin) DeleteFiles(_ context.Context, ids []string) ([]string, []string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var deleted, missing []string
	for _, id := range ids {
		if _, ok := p.files[id]; ok {
			delete(p.files, id)
			deleted = append(deleted, id)
		} else {
			missing = append(missing, id)
		}
	}
	return deleted, missing, nil
}

func descriptor(id, mode string, kind models.CapabilityKind) models.PluginDescriptor {
	return models.PluginDescriptor{
		ID:              id,
		Path:            os.Args[0],
		Enabled:         true,
		Kind:            kind,
		ProtocolVersion: 1,
		Env:             []models.EnvVar{{Key: pluginModeEnv, Value: mode}},
	}
}
