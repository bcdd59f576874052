// hc-echo-plugin is a function provider used to exercise the host. It echoes
// payloads and keeps small notes in the host's key-value service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"

	"pluginhost/pkg/protocol"
	"pluginhost/pkg/sdk"
)

const version = "1.0.0"

type echoPlugin struct {
	logger   hclog.Logger
	host     sdk.HostServices
	greeting string
}

type note struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type recallResult struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

func (p *echoPlugin) Init(_ context.Context, env map[string]string, host sdk.HostServices) error {
	p.host = host
	p.greeting = env["ECHO_GREETING"]
	if p.greeting == "" {
		p.greeting = "hello"
	}
	p.logger.Info("initialised", "greeting", p.greeting)
	return nil
}

func (p *echoPlugin) Version() string { return version }

func (p *echoPlugin) HealthCheck(context.Context) error { return nil }

func (p *echoPlugin) Execute(ctx context.Context, name string, payload []byte) ([]byte, error) {
	p.logger.Debug("execute", "function", name, "bytes", len(payload))

	switch name {
	case "echo":
		return payload, nil

	case "greet":
		var req struct {
			Name string `json:"name"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if req.Name == "" {
			req.Name = "world"
		}
		return json.Marshal(map[string]string{"message": p.greeting + ", " + req.Name})

	case "remember":
		var n note
		if err := decode(payload, &n); err != nil {
			return nil, err
		}
		if n.Key == "" {
			return nil, fmt.Errorf("remember: key is required")
		}
		if err := p.host.Put(ctx, "note:"+n.Key, []byte(n.Value)); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"stored": n.Key})

	case "recall":
		var n note
		if err := decode(payload, &n); err != nil {
			return nil, err
		}
		value, found, err := p.host.Get(ctx, "note:"+n.Key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(recallResult{Key: n.Key, Value: string(value), Found: found})

	case "notes":
		keys, err := p.host.List(ctx, "note:")
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, "note:"))
		}
		return json.Marshal(map[string][]string{"keys": out})

	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func main() {
	logger := sdk.NewLogger("hc-echo-plugin")
	err := sdk.Serve(sdk.ServeConfig{
		Handshake: protocol.Handshake,
		Plugin:    &echoPlugin{logger: logger},
		Logger:    logger,
	})
	if err != nil {
		logger.Error("plugin exited", "error", err)
		os.Exit(1)
	}
}
