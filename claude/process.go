package claude

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Spawner starts one CLI process. It is the seam tests replace with
// FakeSpawner.
type Spawner interface {
	Spawn(cfg LaunchConfig, sink ProcessSink) (Process, error)
}

// Process is one running CLI instance.
type Process interface {
	Pid() int
	// Write sends one already-framed line. It fails with ErrNotConnected once
	// stdin is closed or the process has exited.
	Write(line []byte) error
	// Signal delivers sig without touching the pipes.
	Signal(sig os.Signal) error
	// Terminate closes stdin, kills the process if it does not exit on its
	// own, waits for the exit, then closes stdout and stderr. Idempotent.
	Terminate()
	// Done is closed once the OS reports the exit.
	Done() <-chan struct{}
}

// ProcessSink receives the output of one process. OnLine calls arrive in
// stdout order on a single goroutine. Nil fields are skipped.
type ProcessSink struct {
	OnLine   func(line string)
	OnStderr func(line string)
	OnClose  func()
	OnExit   func(code int, err error)
}

// DefaultGracePeriod is how long Terminate waits after closing stdin before
// killing the process.
const DefaultGracePeriod = 2 * time.Second

// ExecSpawner runs the CLI with os/exec.
type ExecSpawner struct {
	GracePeriod time.Duration
	Env         []string // appended to the parent's environment
	Logger      *slog.Logger

	trace func(step string) // teardown steps, for tests
}

// Spawn starts cfg.Binary with BuildCommandArgs(cfg) and begins reading its
// output. It returns as soon as the process is running; readiness is the
// controller's concern.
func (s *ExecSpawner) Spawn(cfg LaunchConfig, sink ProcessSink) (Process, error) {
	log := s.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	args := BuildCommandArgs(cfg)
	log.Debug("starting process", "command", cfg.Binary+" "+strings.Join(args, " "), "dir", cfg.WorkingDir)

	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.WorkingDir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	// Own both ends of every pipe so teardown closes them in a fixed order
	// and cmd.Wait never closes stdout under an unfinished read.
	p, err := openPipes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	cmd.Stdin = p.stdinR
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW

	if err := cmd.Start(); err != nil {
		p.closeAll()
		log.Error("failed to start process", "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailure, cfg.Binary, err)
	}
	p.closeChildEnds()

	proc := &execProcess{
		cmd:        cmd,
		stdin:      p.stdinW,
		stdout:     p.stdoutR,
		stderr:     p.stderrR,
		sink:       sink,
		log:        log.With("pid", cmd.Process.Pid),
		grace:      grace,
		trace:      s.trace,
		waitDone:   make(chan struct{}),
		readerDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	proc.log.Info("process started")

	go proc.readOutput()
	go proc.drainStderr()
	go proc.monitorExit()

	return proc, nil
}

type pipes struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

func openPipes() (*pipes, error) {
	p := &pipes{}
	var err error
	if p.stdinR, p.stdinW, err = os.Pipe(); err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdoutR, p.stdoutW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if p.stderrR, p.stderrW, err = os.Pipe(); err != nil {
		p.closeAll()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	return p, nil
}

// closeChildEnds releases our copies of the ends the child inherited, so
// stdout and stderr reach EOF when the child exits.
func (p *pipes) closeChildEnds() {
	p.stdinR.Close()
	p.stdoutW.Close()
	p.stderrW.Close()
}

func (p *pipes) closeAll() {
	for _, f := range []*os.File{p.stdinR, p.stdinW, p.stdoutR, p.stdoutW, p.stderrR, p.stderrW} {
		if f != nil {
			f.Close()
		}
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	sink ProcessSink
	log  *slog.Logger

	grace time.Duration
	trace func(step string)

	// writeMu serializes writers. Terminate and Signal never take it, so a
	// write blocked on a full pipe cannot stall them.
	writeMu sync.Mutex

	mu         sync.Mutex
	stdin      *os.File // nil once closed
	stdout     *os.File
	stderr     *os.File
	exited     bool
	terminated bool

	// waitDone is closed by monitorExit once cmd.Wait returns. Terminate
	// selects on it instead of calling cmd.Wait a second time.
	waitDone   chan struct{}
	readerDone chan struct{}
	stderrDone chan struct{}
	teardown   sync.Once
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.waitDone }

func (p *execProcess) Write(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	stdin, exited := p.stdin, p.exited
	p.mu.Unlock()

	if stdin == nil || exited {
		return ErrNotConnected
	}
	// Terminate closing stdin unblocks a pending write with os.ErrClosed.
	if _, err := stdin.Write(line); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.terminated {
		return ErrNotConnected
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process: %w", err)
	}
	return nil
}

// Terminate does not wait for the stdout reader, so it is safe to call from
// inside an OnLine callback.
func (p *execProcess) Terminate() {
	p.teardown.Do(func() {
		p.mu.Lock()
		p.terminated = true
		stdin := p.stdin
		p.stdin = nil
		p.mu.Unlock()

		if stdin != nil {
			stdin.Close()
		}
		p.step("close-stdin")

		select {
		case <-p.waitDone:
			p.log.Debug("process exited gracefully")
		case <-time.After(p.grace):
			p.log.Debug("force killing process")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.log.Warn("failed to kill process", "error", err)
			}
			p.step("kill")
			<-p.waitDone
		}
		p.step("exited")

		p.stdout.Close()
		p.step("close-stdout")
		p.stderr.Close()
		p.step("close-stderr")
		p.log.Info("process terminated")
	})
}

func (p *execProcess) step(name string) {
	if p.trace != nil {
		p.trace(name)
	}
}

// readOutput hands each stdout line to the sink. There is no line length
// cap; assistant turns can be large.
func (p *execProcess) readOutput() {
	defer close(p.readerDone)

	reader := bufio.NewReader(p.stdout)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			// A final line without a newline is still a line.
			line = strings.TrimRight(line, "\r\n")
			if p.sink.OnLine != nil {
				p.sink.OnLine(line)
			}
		}
		if err != nil {
			if err == io.EOF {
				p.log.Debug("EOF on stdout")
			} else if !errors.Is(err, os.ErrClosed) {
				p.log.Debug("error reading stdout", "error", err)
			}
			break
		}
	}
	if p.sink.OnClose != nil {
		p.sink.OnClose()
	}
}

// drainStderr reads stderr until EOF. Like stdout it has no line cap: the
// child blocks once the pipe fills, so stderr must never stop being read.
func (p *execProcess) drainStderr() {
	defer close(p.stderrDone)

	reader := bufio.NewReader(p.stderr)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			p.log.Debug("stderr", "line", truncateForLog(line))
			if p.sink.OnStderr != nil {
				p.sink.OnStderr(line)
			}
		}
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrClosed) {
				p.log.Debug("error reading stderr", "error", err)
			}
			return
		}
	}
}

// monitorExit is the sole caller of cmd.Wait.
func (p *execProcess) monitorExit() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
	close(p.waitDone)

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.log.Info("process exited", "code", code, "error", err)

	// Let buffered output reach the sink before the exit does. A grandchild
	// holding the pipes open must not stall the exit report forever.
	deadline := time.Now().Add(p.grace)
	for _, ch := range []chan struct{}{p.readerDone, p.stderrDone} {
		select {
		case <-ch:
		case <-time.After(time.Until(deadline)):
		}
	}

	if p.sink.OnExit != nil {
		p.sink.OnExit(code, err)
	}
}
