package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/camnode/internal/logging"
)

// ErrNotRunning is returned by Write when no subprocess is accepting input,
// for example between the exit of one incarnation and the start of the next.
var ErrNotRunning = errors.New("process not running")

// OutputHandler receives stderr lines (and stdout lines when stdout is not
// consumed as a byte stream).
type OutputHandler interface {
	HandleLine(source, line string)
}

// StdoutHandler consumes the raw stdout of one subprocess incarnation. It
// must read until EOF and return.
type StdoutHandler func(r io.Reader)

// LogParser parses a log line and returns the log level and message.
type LogParser func(line string) (level, msg string)

type exitReason int

const (
	exitReasonProcessExit exitReason = iota
	exitReasonShutdown
	exitReasonRestart
)

const stderrTailLines = 16

// Process supervises one subprocess at a time. With WithStdin the caller
// feeds it through Write; with WithStdout its output is consumed as bytes.
type Process struct {
	id     string
	logger logging.Logger

	mu    sync.RWMutex
	args  []string
	cmd   *exec.Cmd
	stdin io.WriteCloser
	tail  []string

	processLogger   logging.Logger
	logParser       LogParser
	outputHandler   OutputHandler
	stdoutHandler   StdoutHandler
	wantStdin       bool
	onStart         func(pid int)
	ctx             context.Context
	cancel          context.CancelFunc
	restartChan     chan []string
	gracefulTimeout time.Duration
	killTimeout     time.Duration
}

// Option configures a Process.
type Option func(*Process)

// WithStdin opens a stdin pipe for Write.
func WithStdin() Option {
	return func(p *Process) { p.wantStdin = true }
}

// WithStdout hands stdout to h instead of logging it line by line.
func WithStdout(h StdoutHandler) Option {
	return func(p *Process) { p.stdoutHandler = h }
}

// WithOutputHandler forwards output lines to h.
func WithOutputHandler(h OutputHandler) Option {
	return func(p *Process) { p.outputHandler = h }
}

// WithLogParser routes process output to logger, leveled by parser.
func WithLogParser(logger logging.Logger, parser LogParser) Option {
	return func(p *Process) {
		p.processLogger = logger
		p.logParser = parser
	}
}

// WithTimeouts overrides the graceful stop and post-kill timeouts.
func WithTimeouts(graceful, kill time.Duration) Option {
	return func(p *Process) {
		p.gracefulTimeout = graceful
		p.killTimeout = kill
	}
}

// WithOnStart is called after every successful start, including restarts.
func WithOnStart(fn func(pid int)) Option {
	return func(p *Process) { p.onStart = fn }
}

// New creates a process for args. Nothing runs until Run or RunWithRestart.
func New(id string, args []string, logger logging.Logger, opts ...Option) *Process {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		id:              id,
		args:            args,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		restartChan:     make(chan []string, 1),
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the identifier used in logs.
func (p *Process) ID() string { return p.id }

// Args returns the current command line.
func (p *Process) Args() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.args...)
}

// CommandLine returns Args joined for display.
func (p *Process) CommandLine() string {
	return strings.Join(p.Args(), " ")
}

// StderrTail returns the last stderr lines of the most recent incarnation.
func (p *Process) StderrTail() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.tail...)
}

// Running reports whether a subprocess is currently accepting input.
func (p *Process) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cmd != nil
}

// Write sends b to the subprocess stdin.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.RLock()
	w := p.stdin
	p.mu.RUnlock()
	if w == nil {
		return 0, ErrNotRunning
	}
	return w.Write(b)
}

// RequestRestart asks RunWithRestart to stop the current subprocess and
// start args. A nil args restarts with the current command line.
// Non-blocking: if a restart is already pending, this is a no-op.
func (p *Process) RequestRestart(args []string) bool {
	if args == nil {
		args = p.Args()
	}
	select {
	case p.restartChan <- args:
		p.logger.Info("Restart requested", "id", p.id)
		return true
	default:
		p.logger.Debug("Restart already pending, ignoring", "id", p.id)
		return false
	}
}

// Shutdown triggers a graceful shutdown of the process.
func (p *Process) Shutdown() {
	p.cancel()
}

// Done is closed once Shutdown has been called.
func (p *Process) Done() <-chan struct{} {
	return p.ctx.Done()
}

type runningProcess struct {
	cmd         *exec.Cmd
	processDone <-chan error
}

func (p *Process) startProcess(args []string) (*runningProcess, error) {
	if len(args) == 0 {
		p.logger.Error("Empty command", "id", p.id)
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdin io.WriteCloser
	if p.wantStdin {
		w, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdin = w
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.logger.Error("Failed to start process", "id", p.id, "error", err, "command", strings.Join(args, " "))
		return nil, err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.tail = nil
	p.mu.Unlock()

	p.logger.Info("Process started", "id", p.id, "pid", cmd.Process.Pid)
	p.logger.Debug("Process command", "id", p.id, "command", strings.Join(args, " "))
	if p.onStart != nil {
		p.onStart(cmd.Process.Pid)
	}

	outputDone := make(chan struct{}, 2)
	go func() {
		if p.stdoutHandler != nil {
			p.stdoutHandler(stdout)
			_, _ = io.Copy(io.Discard, stdout)
		} else {
			p.streamOutput(stdout, "stdout")
		}
		outputDone <- struct{}{}
	}()
	go func() {
		p.streamOutput(stderr, "stderr")
		outputDone <- struct{}{}
	}()

	processDone := make(chan error, 1)
	go func() {
		<-outputDone
		<-outputDone
		processDone <- cmd.Wait()
	}()

	return &runningProcess{cmd: cmd, processDone: processDone}, nil
}

func (p *Process) clearRunning(rp *runningProcess) {
	p.mu.Lock()
	if p.cmd == rp.cmd {
		p.cmd = nil
		p.stdin = nil
	}
	p.mu.Unlock()
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func (p *Process) handleProcessExit(processErr error) int {
	exitCode := exitCodeFromError(processErr)
	if processErr != nil && exitCode == 1 {
		p.logger.Error("Process exited with error", "id", p.id, "error", processErr)
	}
	return exitCode
}

// Run starts the subprocess and blocks until it exits or Shutdown is
// called. Returns the exit code of the subprocess.
func (p *Process) Run() int {
	code, _ := p.runOnce(false)
	return code
}

// RunWithRestart runs the subprocess and handles restart requests.
// Returns on Shutdown or when the subprocess exits on its own.
func (p *Process) RunWithRestart() int {
	for {
		exitCode, reason := p.runOnce(true)

		switch reason {
		case exitReasonShutdown:
			p.logger.Debug("Shutdown complete", "id", p.id, "exit_code", exitCode)
			return exitCode
		case exitReasonRestart:
			p.logger.Info("Restarting process", "id", p.id)
			continue
		case exitReasonProcessExit:
			p.logger.Info("Process exited unexpectedly", "id", p.id, "exit_code", exitCode)
			return exitCode
		}
	}
}

func (p *Process) runOnce(restartable bool) (int, exitReason) {
	if p.ctx.Err() != nil {
		return 0, exitReasonShutdown
	}

	rp, err := p.startProcess(p.Args())
	if err != nil {
		return 1, exitReasonProcessExit
	}
	defer p.clearRunning(rp)

	restart := p.restartChan
	if !restartable {
		restart = nil
	}

	select {
	case <-p.ctx.Done():
		p.logger.Debug("Shutting down process", "id", p.id)
		p.sendStopSignal(rp)
		return p.waitForExit(rp, p.gracefulTimeout), exitReasonShutdown

	case newArgs := <-restart:
		p.sendStopSignal(rp)
		p.mu.Lock()
		p.args = newArgs
		p.mu.Unlock()
		return p.waitForExit(rp, p.gracefulTimeout), exitReasonRestart

	case processErr := <-rp.processDone:
		exitCode := p.handleProcessExit(processErr)
		p.logger.Debug("Process exited", "id", p.id, "exit_code", exitCode)
		return exitCode, exitReasonProcessExit
	}
}

// sendStopSignal closes stdin so encoders flush, then sends SIGINT.
func (p *Process) sendStopSignal(rp *runningProcess) {
	p.mu.Lock()
	stdin := p.stdin
	p.stdin = nil
	p.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if rp.cmd.Process == nil {
		return
	}
	if err := rp.cmd.Process.Signal(syscall.SIGINT); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to send SIGINT", "id", p.id, "error", err)
	}
}

// waitForExit waits for the process to exit with a timeout, force-killing if needed.
func (p *Process) waitForExit(rp *runningProcess, timeout time.Duration) int {
	select {
	case err := <-rp.processDone:
		return exitCodeFromError(err)
	case <-time.After(timeout):
		p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "timeout", timeout)
		// the whole group, so shell wrappers do not keep the pipes open
		if err := syscall.Kill(-rp.cmd.Process.Pid, syscall.SIGKILL); err != nil {
			if err := rp.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Error("Failed to kill process", "id", p.id, "error", err)
			}
		}
		select {
		case <-rp.processDone:
		case <-time.After(p.killTimeout):
			p.logger.Error("Process did not exit after kill signal", "id", p.id)
		}
		return 137
	}
}

func (p *Process) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	for scanner.Scan() {
		line := scanner.Text()

		if source == "stderr" {
			p.mu.Lock()
			p.tail = append(p.tail, line)
			if len(p.tail) > stderrTailLines {
				p.tail = p.tail[len(p.tail)-stderrTailLines:]
			}
			p.mu.Unlock()
		}

		if p.outputHandler != nil {
			p.outputHandler.HandleLine(source, line)
		}

		level, msg := "info", line
		if p.logParser != nil {
			level, msg = p.logParser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg, "id", p.id)
		case "warning":
			logger.Warn(msg, "id", p.id)
		case "debug", "trace":
			logger.Debug(msg, "id", p.id)
		default:
			logger.Info(msg, "id", p.id)
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug("Error reading output", "id", p.id, "source", source, "error", err)
	}
}
