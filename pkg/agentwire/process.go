package agentwire

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

// Endpoint is the resolved API endpoint an agent process talks to.
type Endpoint struct {
	Name     string
	BaseURL  string
	APIKey   string
	Provider string
}

// ProcessOptions configures the agent CLI subprocess.
type ProcessOptions struct {
	// Binary is the agent CLI executable (e.g. "claude").
	Binary string

	// ExtraArgs are appended after the generated flags.
	ExtraArgs []string

	// WorkDir is the process working directory.
	WorkDir string

	// Model name to pass via --model; empty uses the CLI default.
	Model string

	// PermissionMode passed via --permission-mode.
	PermissionMode string

	// Resume is the agent-side session id to resume.
	Resume string

	// MaxTurns bounds the number of agent turns (0 = unlimited).
	MaxTurns int

	// SystemPrompt replaces the CLI's default system prompt.
	SystemPrompt string

	// AllowedTools restricts the agent to the named tools.
	AllowedTools []string

	// DisallowedTools are tool names blocked via --disallowed-tools.
	DisallowedTools []string

	// IncludePartialMessages turns on stream_event delta messages.
	IncludePartialMessages bool

	// Endpoint sets ANTHROPIC_BASE_URL and credentials for the process.
	Endpoint *Endpoint

	// MaxOutputTokens and MaxThinkingTokens set the CLI's token budgets
	// when greater than zero.
	MaxOutputTokens   int
	MaxThinkingTokens int

	// Env entries are merged into the environment last, overriding
	// derived values.
	Env map[string]string
}

// buildArgs assembles the stream-json invocation.
func (o *ProcessOptions) buildArgs() []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
	}
	if o.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if o.SystemPrompt != "" {
		args = append(args, "--system-prompt", o.SystemPrompt)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(o.DisallowedTools, ","))
	}
	return append(args, o.ExtraArgs...)
}

// DeriveEndpointEnv maps a resolved endpoint to the environment variables the
// agent CLI reads. The base URL is normalized: the CLI appends /v1 itself, so
// a trailing /v1 (and any trailing slash) is stripped.
func DeriveEndpointEnv(ep *Endpoint) map[string]string {
	env := make(map[string]string)
	if ep == nil {
		return env
	}

	if strings.EqualFold(ep.Provider, "openrouter") {
		// OpenRouter's Anthropic-compatible surface wants the key as a
		// bearer token, not as x-api-key.
		env["ANTHROPIC_BASE_URL"] = "https://openrouter.ai/api"
		env["ANTHROPIC_AUTH_TOKEN"] = ep.APIKey
		env["ANTHROPIC_API_KEY"] = ""
		return env
	}

	base := strings.TrimRight(ep.BaseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	if base != "" {
		env["ANTHROPIC_BASE_URL"] = base
	}

	key := ep.APIKey
	if key == "" {
		// Local endpoints ignore the key, but the CLI refuses to start
		// without one.
		key = "sk-dummy-key"
	}
	env["ANTHROPIC_API_KEY"] = key
	return env
}

// buildEnv merges the inherited environment, endpoint-derived variables,
// token budgets, and explicit overrides (in that order).
func (o *ProcessOptions) buildEnv() []string {
	derived := DeriveEndpointEnv(o.Endpoint)
	if o.MaxOutputTokens > 0 {
		derived["CLAUDE_CODE_MAX_OUTPUT_TOKENS"] = strconv.Itoa(o.MaxOutputTokens)
	}
	if o.MaxThinkingTokens > 0 {
		derived["MAX_THINKING_TOKENS"] = strconv.Itoa(o.MaxThinkingTokens)
	}
	for k, v := range o.Env {
		derived[k] = v
	}

	env := os.Environ()
	for k, v := range derived {
		env = append(env, k+"="+v)
	}
	return env
}

// Process is a running agent CLI subprocess with its stdio pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	log    *logger.Logger

	stderr *tailBuffer

	done      chan struct{}
	waitErr   error
	stdinOnce sync.Once
}

// StartProcess spawns the agent CLI with the given options.
func StartProcess(opts ProcessOptions, log *logger.Logger) (*Process, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}

	cmd := exec.Command(binary, opts.buildArgs()...)
	cmd.Dir = opts.WorkDir
	cmd.Env = opts.buildEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	stderr := &tailBuffer{limit: 8 * 1024}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	log.Info("agent process started",
		zap.String("binary", binary),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("work_dir", opts.WorkDir),
		zap.String("model", opts.Model),
		zap.Bool("resumed", opts.Resume != ""))

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		log:    log,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Stdin is the pipe the protocol client writes to.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the pipe the protocol client reads from.
func (p *Process) Stdout() io.Reader { return p.stdout }

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Running reports whether the process is still alive.
func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// StderrTail returns the last captured stderr output, for error reports.
func (p *Process) StderrTail() string {
	return p.stderr.String()
}

// Stop shuts the process down: close stdin so the CLI finishes its turn and
// exits, then kill if it is still running after the timeout.
func (p *Process) Stop(timeout time.Duration) error {
	p.stdinOnce.Do(func() {
		_ = p.stdin.Close()
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}

	p.log.Warn("agent process did not exit, killing",
		zap.Int("pid", p.cmd.Process.Pid))
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill agent process: %w", err)
	}
	<-p.done
	return nil
}

// Spawn starts the agent CLI and attaches a protocol client to its pipes.
func Spawn(ctx context.Context, opts ProcessOptions, log *logger.Logger) (*Process, *Client, error) {
	proc, err := StartProcess(opts, log)
	if err != nil {
		return nil, nil, err
	}

	client := NewClient(proc.Stdin(), proc.Stdout(), log)
	if err := client.Start(ctx); err != nil {
		_ = proc.Stop(2 * time.Second)
		return nil, nil, fmt.Errorf("start protocol client: %w", err)
	}
	return proc, client, nil
}

// tailBuffer keeps the trailing bytes written to it, bounded by limit.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
