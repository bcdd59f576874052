// Package supervisor launches plugin binaries as child processes, waits for
// their handshake line and watches them until they exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"pluginhost/pkg/handshake"
	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

const (
	defaultStartTimeout = 10 * time.Second
	defaultStopTimeout  = 5 * time.Second
)

// Config controls how plugin processes are launched.
type Config struct {
	Handshake    models.HandshakeConfig
	StartTimeout time.Duration // Limit for the handshake line to appear
	StopTimeout  time.Duration // Grace period between interrupt and kill
	SocketDir    string        // Passed to the plugin via PLUGIN_SOCKET_DIR
	Network      string        // Optional "tcp" override passed via PLUGIN_NETWORK
}

// Supervisor launches and terminates plugin processes.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor, filling zero timeouts with defaults.
func New(cfg Config) *Supervisor {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	return &Supervisor{cfg: cfg}
}

// Process is one running plugin binary.
type Process struct {
	PluginID   string
	InstanceID string
	StartedAt  time.Time

	cmd         *exec.Cmd
	handshakeCh chan string
	done        chan struct{}
	exitErr     error

	mu         sync.Mutex
	socketPath string
	stopOnce   sync.Once
}

// PID returns the operating-system process id.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait error. Only valid after Done is closed.
func (p *Process) ExitErr() error { return p.exitErr }

// ExitCode returns the process exit code, or -1 if it was killed by a signal
// or has not exited yet.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// ExitEvent is delivered exactly once when a monitored process ends.
type ExitEvent struct {
	PluginID   string
	InstanceID string
	PID        int
	ExitCode   int
	Err        error
	At         time.Time
}

// Start executes the plugin binary without waiting for its handshake.
func (s *Supervisor) Start(desc models.PluginDescriptor) (*Process, error) {
	if err := checkExecutable(desc.Path); err != nil {
		return nil, &models.LaunchError{PluginID: desc.ID, Reason: "binary not executable", Err: err}
	}

	cmd := exec.Command(desc.Path)
	cmd.Env = s.environment(desc)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &models.LaunchError{PluginID: desc.ID, Reason: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &models.LaunchError{PluginID: desc.ID, Reason: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &models.LaunchError{PluginID: desc.ID, Reason: "exec", Err: err}
	}

	p := &Process{
		PluginID:    desc.ID,
		InstanceID:  uuid.NewString(),
		StartedAt:   time.Now(),
		cmd:         cmd,
		handshakeCh: make(chan string, 1),
		done:        make(chan struct{}),
	}

	slog.Info("Plugin process started",
		"component", "Supervisor",
		"plugin_id", p.PluginID,
		"instance_id", p.InstanceID,
		"pid", p.PID(),
	)

	// Pipes must be fully read before cmd.Wait closes them.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		forwardLogs(p.PluginID, stderr)
	}()
	go func() {
		readers.Wait()
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// AwaitHandshake waits for the first stdout line and validates it.
// The caller owns the process and must Terminate it on error.
func (s *Supervisor) AwaitHandshake(ctx context.Context, p *Process, declared int) (protocol.ConnectionInfo, error) {
	timer := time.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	var line string
	select {
	case l, ok := <-p.handshakeCh:
		if !ok {
			return protocol.ConnectionInfo{}, &models.LaunchError{PluginID: p.PluginID, Reason: "stdout closed before handshake"}
		}
		line = l
	case <-p.done:
		return protocol.ConnectionInfo{}, &models.LaunchError{PluginID: p.PluginID, Reason: "exited before handshake", Err: p.exitErr}
	case <-timer.C:
		return protocol.ConnectionInfo{}, &models.LaunchError{PluginID: p.PluginID, Reason: fmt.Sprintf("no handshake within %s", s.cfg.StartTimeout)}
	case <-ctx.Done():
		return protocol.ConnectionInfo{}, &models.LaunchError{PluginID: p.PluginID, Reason: "cancelled", Err: ctx.Err()}
	}

	info, err := protocol.ParseConnectionInfo(line)
	if err != nil {
		return protocol.ConnectionInfo{}, &models.LaunchError{PluginID: p.PluginID, Reason: "malformed handshake", Err: err}
	}
	if info.Network == protocol.NetworkUnix {
		p.mu.Lock()
		p.socketPath = info.Address
		p.mu.Unlock()
	}
	if err := handshake.Validate(p.PluginID, info, s.cfg.Handshake, declared); err != nil {
		return protocol.ConnectionInfo{}, err
	}

	slog.Debug("Plugin handshake accepted",
		"component", "Supervisor",
		"plugin_id", p.PluginID,
		"network", info.Network,
		"address", info.Address,
	)
	return info, nil
}

// Launch starts the binary and waits for a valid handshake. started, when
// non-nil, runs once the process exists and before the wait begins. On any
// failure the process is terminated before returning.
func (s *Supervisor) Launch(ctx context.Context, desc models.PluginDescriptor, started func(*Process)) (*Process, protocol.ConnectionInfo, error) {
	p, err := s.Start(desc)
	if err != nil {
		return nil, protocol.ConnectionInfo{}, err
	}
	if started != nil {
		started(p)
	}
	info, err := s.AwaitHandshake(ctx, p, desc.ProtocolVersion)
	if err != nil {
		_ = s.Terminate(p)
		return nil, protocol.ConnectionInfo{}, err
	}
	return p, info, nil
}

// Monitor returns a channel that yields one ExitEvent and is then closed.
func (s *Supervisor) Monitor(p *Process) <-chan ExitEvent {
	out := make(chan ExitEvent, 1)
	go func() {
		defer close(out)
		<-p.done
		evt := ExitEvent{
			PluginID:   p.PluginID,
			InstanceID: p.InstanceID,
			PID:        p.PID(),
			ExitCode:   p.ExitCode(),
			Err:        p.exitErr,
			At:         time.Now(),
		}
		slog.Info("Plugin process exited",
			"component", "Supervisor",
			"plugin_id", p.PluginID,
			"instance_id", p.InstanceID,
			"exit_code", evt.ExitCode,
			"error", evt.Err,
		)
		out <- evt
	}()
	return out
}

// Terminate interrupts the process, waits for the stop timeout and then
// kills it. Calling it more than once is safe.
func (s *Supervisor) Terminate(p *Process) error {
	if p == nil {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		err = s.terminate(p)
	})
	<-p.done
	return err
}

func (s *Supervisor) terminate(p *Process) error {
	defer p.removeSocket()

	select {
	case <-p.done:
		return nil
	default:
	}

	if sigErr := p.cmd.Process.Signal(os.Interrupt); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
		slog.Debug("Interrupt failed, killing plugin",
			"component", "Supervisor",
			"plugin_id", p.PluginID,
			"error", sigErr,
		)
		return p.kill()
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		slog.Warn("Plugin ignored interrupt, killing",
			"component", "Supervisor",
			"plugin_id", p.PluginID,
			"pid", p.PID(),
		)
		return p.kill()
	}
}

func (p *Process) kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill plugin %s: %w", p.PluginID, err)
	}
	return nil
}

func (p *Process) removeSocket() {
	p.mu.Lock()
	path := p.socketPath
	p.mu.Unlock()
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Debug("Failed to remove plugin socket", "component", "Supervisor", "path", path, "error", err)
	}
}

// readStdout hands the first line to AwaitHandshake and logs the rest.
func (p *Process) readStdout(r io.Reader) {
	first := true
	err := readLines(r, func(line string, truncated bool) {
		if first {
			first = false
			p.handshakeCh <- line
			close(p.handshakeCh)
			return
		}
		slog.Info("Plugin stdout", "component", "Supervisor", "plugin_id", p.PluginID, "line", line, "truncated", truncated)
	})
	if err != nil {
		slog.Debug("Plugin stdout closed", "component", "Supervisor", "plugin_id", p.PluginID, "error", err)
	}
	if first {
		close(p.handshakeCh)
	}
}

func (s *Supervisor) environment(desc models.PluginDescriptor) []string {
	env := append(os.Environ(), handshake.CookieEnv(s.cfg.Handshake))
	if s.cfg.SocketDir != "" {
		env = append(env, protocol.EnvSocketDir+"="+s.cfg.SocketDir)
	}
	if s.cfg.Network != "" {
		env = append(env, protocol.EnvNetwork+"="+s.cfg.Network)
	}
	for _, v := range desc.Env {
		env = append(env, v.Key+"="+v.Value)
	}
	return env
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: %w", path, fs.ErrPermission)
	}
	return nil
}
