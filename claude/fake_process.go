package claude

import (
	"encoding/json"
	"os"
	"slices"
	"sync"
	"time"
)

// FakeSpawner is an in-process Spawner for tests. It records every spawn and
// hands out FakeProcesses that tests drive by emitting lines and exits.
type FakeSpawner struct {
	// SpawnErr, when set, makes Spawn fail with it.
	SpawnErr error
	// Respond, when set, is called in order for every line written to a
	// spawned process, on a goroutine owned by that process. It plays the
	// CLI side of the conversation.
	Respond func(p *FakeProcess, line string)

	mu      sync.Mutex
	procs   []*FakeProcess
	spawned chan *FakeProcess
	nextPid int
}

// NewFakeSpawner returns an empty spawner.
func NewFakeSpawner() *FakeSpawner {
	return &FakeSpawner{spawned: make(chan *FakeProcess, 64), nextPid: 1000}
}

func (s *FakeSpawner) Spawn(cfg LaunchConfig, sink ProcessSink) (Process, error) {
	if s.SpawnErr != nil {
		return nil, s.SpawnErr
	}

	s.mu.Lock()
	s.nextPid++
	p := &FakeProcess{
		pid:  s.nextPid,
		cfg:  cfg.Clone(),
		args: BuildCommandArgs(cfg),
		sink: sink,
		done: make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	if s.Respond != nil {
		p.inbox = make(chan string, 256)
		go p.serve(s.Respond)
	}
	select {
	case s.spawned <- p:
	default:
	}
	return p, nil
}

// Processes returns every process spawned so far, oldest first.
func (s *FakeSpawner) Processes() []*FakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.procs)
}

// SpawnCount returns how many processes were started.
func (s *FakeSpawner) SpawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// WaitForSpawn returns the next spawned process, or nil after timeout.
func (s *FakeSpawner) WaitForSpawn(timeout time.Duration) *FakeProcess {
	select {
	case p := <-s.spawned:
		return p
	case <-time.After(timeout):
		return nil
	}
}

// FakeProcess is one scripted CLI instance.
type FakeProcess struct {
	pid  int
	cfg  LaunchConfig
	args []string
	sink ProcessSink

	mu          sync.Mutex
	writes      []string
	signals     []os.Signal
	steps       []string
	stdinClosed bool
	exited      bool
	terminated  bool
	writeErr    error
	written     chan struct{}

	emitMu sync.Mutex
	done   chan struct{}
	inbox  chan string
}

func (p *FakeProcess) Pid() int { return p.pid }

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

// Config returns the launch config the process was spawned with.
func (p *FakeProcess) Config() LaunchConfig { return p.cfg }

// Args returns the argument vector a real spawn would have used.
func (p *FakeProcess) Args() []string { return slices.Clone(p.args) }

func (p *FakeProcess) Write(line []byte) error {
	p.mu.Lock()
	if p.stdinClosed || p.exited {
		p.mu.Unlock()
		return ErrNotConnected
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return err
	}
	s := string(line)
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	p.writes = append(p.writes, s)
	if p.written != nil {
		close(p.written)
		p.written = nil
	}
	inbox := p.inbox
	p.mu.Unlock()

	if inbox != nil {
		inbox <- s
	}
	return nil
}

func (p *FakeProcess) serve(respond func(p *FakeProcess, line string)) {
	for {
		select {
		case line := <-p.inbox:
			respond(p, line)
		case <-p.done:
			return
		}
	}
}

func (p *FakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return ErrNotConnected
	}
	p.signals = append(p.signals, sig)
	return nil
}

// Terminate records the same teardown steps as the exec implementation.
// The exit is reported asynchronously, as a real process would.
func (p *FakeProcess) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.stdinClosed = true
	p.steps = append(p.steps, "close-stdin")
	alreadyExited := p.exited
	if !alreadyExited {
		p.steps = append(p.steps, "kill")
		p.exited = true
		close(p.done)
	}
	p.steps = append(p.steps, "exited", "close-stdout", "close-stderr")
	p.mu.Unlock()

	if !alreadyExited && p.sink.OnExit != nil {
		go p.sink.OnExit(-1, nil)
	}
}

// FailWrites makes every later Write fail with err. A nil err restores
// normal writes.
func (p *FakeProcess) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}

// Emit delivers one stdout line. Calls are serialized like a single reader
// goroutine would deliver them.
func (p *FakeProcess) Emit(line string) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.sink.OnLine != nil {
		p.sink.OnLine(line)
	}
}

// EmitJSON marshals v and emits it as one line.
func (p *FakeProcess) EmitJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	p.Emit(string(data))
}

// EmitStderr delivers one diagnostic line.
func (p *FakeProcess) EmitStderr(line string) {
	if p.sink.OnStderr != nil {
		p.sink.OnStderr(line)
	}
}

// CloseOutput reports stdout EOF.
func (p *FakeProcess) CloseOutput() {
	if p.sink.OnClose != nil {
		p.sink.OnClose()
	}
}

// Exit simulates the process exiting on its own.
func (p *FakeProcess) Exit(code int, err error) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	close(p.done)
	p.mu.Unlock()

	if p.sink.OnExit != nil {
		p.sink.OnExit(code, err)
	}
}

// Writes returns every line written to stdin, without trailing newlines.
func (p *FakeProcess) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.writes)
}

// Signals returns every signal delivered.
func (p *FakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.signals)
}

// Steps returns the teardown steps in the order they ran.
func (p *FakeProcess) Steps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.steps)
}

// Terminated reports whether Terminate ran.
func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// WaitForWrites blocks until at least n lines were written or timeout
// elapses, and returns what was written.
func (p *FakeProcess) WaitForWrites(n int, timeout time.Duration) []string {
	deadline := time.After(timeout)
	for {
		p.mu.Lock()
		if len(p.writes) >= n {
			out := slices.Clone(p.writes)
			p.mu.Unlock()
			return out
		}
		if p.written == nil {
			p.written = make(chan struct{})
		}
		ch := p.written
		p.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return p.Writes()
		}
	}
}
