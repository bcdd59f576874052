package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// maxLineBytes caps a single forwarded line. Longer lines are truncated and
// the remainder discarded so the pipe keeps draining.
const maxLineBytes = 64 * 1024

// readLines calls fn for every line of r and reads to EOF whatever the line
// length, so the writing plugin never blocks on a full pipe.
func readLines(r io.Reader, fn func(line string, truncated bool)) error {
	br := bufio.NewReaderSize(r, 4096)
	var buf []byte
	truncated := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if room := maxLineBytes - len(buf); len(chunk) > room {
			chunk = chunk[:room]
			truncated = true
		}
		buf = append(buf, chunk...)
		if err != nil {
			if len(buf) > 0 {
				fn(string(buf), truncated)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if isPrefix {
			continue
		}
		fn(string(buf), truncated)
		buf, truncated = buf[:0], false
	}
}

// forwardLogs reads hclog JSON lines from a plugin's stderr and re-emits them
// through slog tagged with the plugin id. Other lines go out at debug level.
func forwardLogs(pluginID string, r io.Reader) {
	err := readLines(r, func(line string, truncated bool) {
		if strings.TrimSpace(line) == "" {
			return
		}
		level, msg, attrs := parseLogLine(line)
		args := append([]any{"component", "Plugin", "plugin_id", pluginID}, attrs...)
		if truncated {
			args = append(args, "truncated", true)
		}
		slog.Log(context.Background(), level, msg, args...)
	})
	if err != nil {
		slog.Debug("Plugin stderr closed", "component", "Supervisor", "plugin_id", pluginID, "error", err)
	}
}

func parseLogLine(line string) (slog.Level, string, []any) {
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return slog.LevelDebug, line, nil
	}

	msg, _ := entry["@message"].(string)
	lvl, _ := entry["@level"].(string)

	var attrs []any
	if mod, ok := entry["@module"].(string); ok && mod != "" {
		attrs = append(attrs, "module", mod)
	}
	for k, v := range entry {
		if strings.HasPrefix(k, "@") {
			continue
		}
		attrs = append(attrs, k, v)
	}
	return mapLevel(lvl), msg, attrs
}

func mapLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
