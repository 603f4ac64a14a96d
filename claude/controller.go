package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qalclaude/qalclaude/logger"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the init line.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultProbeDelay is how long Connect waits for an unprompted init
	// before writing the handshake probe.
	DefaultProbeDelay = 100 * time.Millisecond
)

// Capabilities is what the CLI announced in its init line.
type Capabilities struct {
	Tools          []string
	Agents         []string
	SlashCommands  []string
	Version        string
	Model          string
	Cwd            string
	PermissionMode string
}

// UsageTotals accumulates token usage for the current process.
type UsageTotals struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64 // latest total_cost_usd reported by a result
	Turns               int
}

// Option configures a SessionController.
type Option func(*SessionController)

// WithSpawner replaces the os/exec spawner.
func WithSpawner(s Spawner) Option {
	return func(c *SessionController) { c.spawner = s }
}

// WithLogger sets the logger. Defaults to logger.WithComponent("claude").
func WithLogger(l *slog.Logger) Option {
	return func(c *SessionController) { c.log = l }
}

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *SessionController) { c.handshakeTimeout = d }
}

// WithProbeDelay overrides DefaultProbeDelay.
func WithProbeDelay(d time.Duration) Option {
	return func(c *SessionController) { c.probeDelay = d }
}

// WithStreamLog copies every stdout line, verbatim, to w.
func WithStreamLog(w io.Writer) Option {
	return func(c *SessionController) { c.streamLog = w }
}

// handle is the live state of one spawned process.
type handle struct {
	gen    uint64
	connID string
	proc   Process
	log    atomic.Pointer[slog.Logger] // gains sessionID after the handshake
	ready  bool
	init   *SystemInit
}

func (h *handle) logger() *slog.Logger { return h.log.Load() }

// connectAttempt is shared by every Connect call waiting on one handshake.
// Whoever removes it from the controller closes done.
type connectAttempt struct {
	gen  uint64
	done chan struct{}
	init *SystemInit
	err  error
}

// SessionController drives one CLI process at a time and republishes its
// output as typed events.
//
// Listeners run synchronously on the goroutine that read the line, one event
// at a time. A listener may call Send, RespondToPermission, Interrupt or
// Disconnect, but must not call Connect or Reconnect: the handshake it would
// wait for is delivered by the goroutine it is blocking.
type SessionController struct {
	bus Bus

	spawner          Spawner
	log              *slog.Logger
	handshakeTimeout time.Duration
	probeDelay       time.Duration
	streamLog        io.Writer

	// dispatchMu serializes delivery. Lock order: dispatchMu, then mu.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	cfg          LaunchConfig
	gen          uint64
	h            *handle
	attempt      *connectAttempt
	caps         Capabilities
	sessionID    string
	pending      map[string]PermissionRequest
	pendingOrder []string
	usage        UsageTotals
	lastMsgID    string
	lastMsgUsage Usage
}

// NewController returns a disconnected controller for cfg.
func NewController(cfg LaunchConfig, opts ...Option) *SessionController {
	c := &SessionController{
		cfg:              cfg.Clone(),
		handshakeTimeout: DefaultHandshakeTimeout,
		probeDelay:       DefaultProbeDelay,
		pending:          make(map[string]PermissionRequest),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("claude")
	}
	if c.spawner == nil {
		c.spawner = &ExecSpawner{Logger: c.log}
	}
	return c
}

// Subscribe registers fn for every event.
func (c *SessionController) Subscribe(fn Listener) (unsubscribe func()) {
	return c.bus.Subscribe(fn)
}

// On registers fn for one event kind.
func (c *SessionController) On(kind EventKind, fn Listener) (unsubscribe func()) {
	return c.bus.On(kind, fn)
}

// OnType registers fn for message events carrying the given type tag.
func (c *SessionController) OnType(typeTag string, fn Listener) (unsubscribe func()) {
	return c.bus.OnType(typeTag, fn)
}

// Connect spawns the CLI and waits for its init line. A call made while
// another Connect is in flight joins it instead of spawning again; a call on
// a ready controller returns the stored init.
func (c *SessionController) Connect(ctx context.Context) (*SystemInit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.h != nil && c.h.ready {
		init := c.h.init
		c.mu.Unlock()
		return init, nil
	}
	if a := c.attempt; a != nil {
		c.mu.Unlock()
		return c.wait(ctx, a, false)
	}

	cfg := c.cfg.Clone()
	if err := cfg.Validate(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.gen++
	gen := c.gen
	connID := uuid.NewString()
	log := c.log.With("connID", connID)

	// mu is held across Spawn so no callback can observe the handle
	// before its process is set.
	proc, err := c.spawner.Spawn(cfg, c.sinkFor(gen))
	if err != nil {
		c.mu.Unlock()
		log.Error("spawn failed", "error", err)
		if !errors.Is(err, ErrSpawnFailure) {
			err = fmt.Errorf("%w: %v", ErrSpawnFailure, err)
		}
		return nil, err
	}

	h := &handle{gen: gen, connID: connID, proc: proc}
	h.log.Store(log.With("pid", proc.Pid()))
	a := &connectAttempt{gen: gen, done: make(chan struct{})}
	c.h = h
	c.attempt = a
	c.resetHandleStateLocked()
	c.mu.Unlock()

	h.logger().Info("spawned, waiting for init", "model", cfg.Model, "mode", cfg.PermissionMode)
	go c.runHandshake(h, a)

	return c.wait(ctx, a, true)
}

// wait blocks on an attempt. Only the caller that started the attempt
// abandons it when its context ends.
func (c *SessionController) wait(ctx context.Context, a *connectAttempt, owner bool) (*SystemInit, error) {
	select {
	case <-a.done:
		return a.init, a.err
	case <-ctx.Done():
		if owner {
			c.failAttempt(a, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (c *SessionController) runHandshake(h *handle, a *connectAttempt) {
	probe := time.NewTimer(c.probeDelay)
	defer probe.Stop()
	timeout := time.NewTimer(c.handshakeTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-probe.C:
			c.sendHandshakeProbe(h)
		case <-timeout.C:
			h.logger().Warn("handshake timed out", "timeout", c.handshakeTimeout)
			c.failAttempt(a, ErrHandshakeTimeout)
			return
		}
	}
}

// sendHandshakeProbe writes an empty user turn. The CLI in stream-json input
// mode emits its init line only after it has read something from stdin.
func (c *SessionController) sendHandshakeProbe(h *handle) {
	c.mu.Lock()
	live := c.h == h && !h.ready
	c.mu.Unlock()
	if !live {
		return
	}
	h.logger().Debug("sending handshake probe")
	if err := c.writeEnvelope(h, NewUserEnvelope("")); err != nil {
		h.logger().Warn("handshake probe failed", "error", err)
	}
}

// failAttempt resolves a with err and tears its process down, unless the
// attempt was already resolved.
func (c *SessionController) failAttempt(a *connectAttempt, err error) {
	c.mu.Lock()
	if c.attempt != a {
		c.mu.Unlock()
		return
	}
	c.attempt = nil
	var proc Process
	if c.h != nil && c.h.gen == a.gen {
		proc = c.h.proc
		c.h = nil
		c.gen++
		c.resetHandleStateLocked()
	}
	a.err = err
	close(a.done)
	c.mu.Unlock()

	if proc != nil {
		proc.Terminate()
	}
}

// Send writes text as one user turn. It does not wait for a reply.
func (c *SessionController) Send(text string) error {
	h, err := c.readyHandle()
	if err != nil {
		return err
	}
	h.logger().Debug("sending turn", "len", len(text))
	return c.writeEnvelope(h, NewUserEnvelope(text))
}

// RespondToPermission answers a pending permission request. A token that is
// not pending, because it was never seen or was already answered, is
// ignored: the CLI is the authority on whether it still waits.
func (c *SessionController) RespondToPermission(toolID string, allowed bool) error {
	c.mu.Lock()
	h := c.h
	if h == nil || !h.ready {
		c.mu.Unlock()
		return ErrNotConnected
	}
	req, ok := c.pending[toolID]
	if !ok {
		c.mu.Unlock()
		h.logger().Debug("ignoring response for unknown permission token", "toolID", toolID)
		return nil
	}
	c.mu.Unlock()

	if err := c.writeEnvelope(h, NewPermissionResponse(toolID, allowed)); err != nil {
		// Still pending: the CLI never saw the answer.
		return err
	}

	c.mu.Lock()
	if c.h == h {
		delete(c.pending, toolID)
		c.pendingOrder = slices.DeleteFunc(c.pendingOrder, func(id string) bool { return id == toolID })
	}
	c.mu.Unlock()

	h.logger().Info("permission answered", "toolID", toolID, "tool", req.ToolName, "allowed", allowed)
	return nil
}

// SendControl writes an out-of-band control command.
func (c *SessionController) SendControl(command string, data map[string]any) error {
	h, err := c.liveHandle()
	if err != nil {
		return err
	}
	h.logger().Debug("sending control", "command", command)
	return c.writeEnvelope(h, ControlEnvelope{Command: command, Data: data})
}

// Interrupt asks the CLI to stop the current turn without ending the
// process, and publishes an interrupted event. More events from the turn
// may still arrive.
//
// When no event is being delivered, the interrupted event is published
// before Interrupt returns, ahead of any later stream event. Otherwise, as
// when called from a listener, it is published from another goroutine once
// that delivery ends. It is published even if Disconnect follows.
func (c *SessionController) Interrupt() error {
	h, err := c.liveHandle()
	if err != nil {
		return err
	}
	if err := h.proc.Signal(os.Interrupt); err != nil {
		return err
	}
	h.logger().Info("interrupt sent")

	c.publishOutOfBand(h, Event{Kind: EventInterrupted})
	return nil
}

// Reconnect applies patch to the launch config, tears the current process
// down and connects again. Subscribers stay registered and see a second init.
func (c *SessionController) Reconnect(ctx context.Context, patch LaunchPatch) (*SystemInit, error) {
	c.mu.Lock()
	c.cfg = c.cfg.Merge(patch)
	c.mu.Unlock()

	c.disconnect(false)
	return c.Connect(ctx)
}

// Disconnect tears the current process down. It is idempotent and also
// aborts an in-flight handshake, whose Connect then fails with
// ErrNotConnected. A final close event is published for the torn-down
// connection; its exit is not reported.
func (c *SessionController) Disconnect() {
	c.disconnect(true)
}

func (c *SessionController) disconnect(notify bool) {
	c.mu.Lock()
	h := c.h
	a := c.attempt
	c.h = nil
	c.attempt = nil
	c.gen++
	c.resetHandleStateLocked()
	if a != nil {
		a.err = fmt.Errorf("%w: disconnected during handshake", ErrNotConnected)
		close(a.done)
	}
	c.mu.Unlock()

	if h != nil {
		h.logger().Info("disconnecting")
		h.proc.Terminate()
		if notify {
			c.publishOutOfBand(h, Event{Kind: EventClose})
		}
	}
}

// Connected reports whether a process is live and past its handshake.
func (c *SessionController) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h != nil && c.h.ready
}

// SessionID returns the session id negotiated by the last init.
func (c *SessionController) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ConnectionID returns the id of the live process, or "".
func (c *SessionController) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.h == nil {
		return ""
	}
	return c.h.connID
}

func (c *SessionController) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps := c.caps
	caps.Tools = slices.Clone(caps.Tools)
	caps.Agents = slices.Clone(caps.Agents)
	caps.SlashCommands = slices.Clone(caps.SlashCommands)
	return caps
}

// Config returns a copy of the current launch config.
func (c *SessionController) Config() LaunchConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// PendingPermissions returns unanswered requests, oldest first.
func (c *SessionController) PendingPermissions() []PermissionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PermissionRequest, 0, len(c.pendingOrder))
	for _, id := range c.pendingOrder {
		out = append(out, c.pending[id])
	}
	return out
}

func (c *SessionController) Usage() UsageTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func (c *SessionController) readyHandle() (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.h == nil || !c.h.ready {
		return nil, ErrNotConnected
	}
	return c.h, nil
}

func (c *SessionController) liveHandle() (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.h == nil {
		return nil, ErrNotConnected
	}
	return c.h, nil
}

// writeEnvelope encodes v and writes it to h. mu must not be held: a
// scripted peer may answer synchronously.
func (c *SessionController) writeEnvelope(h *handle, v any) error {
	line, err := EncodeEnvelope(v)
	if err != nil {
		return err
	}
	return h.proc.Write(line)
}

// resetHandleStateLocked clears everything that belongs to one process.
// Capabilities and the session id survive until the next init replaces them.
func (c *SessionController) resetHandleStateLocked() {
	c.pending = make(map[string]PermissionRequest)
	c.pendingOrder = nil
	c.usage = UsageTotals{}
	c.lastMsgID = ""
	c.lastMsgUsage = Usage{}
}

// sinkFor binds process callbacks to one generation.
func (c *SessionController) sinkFor(gen uint64) ProcessSink {
	return ProcessSink{
		OnLine: func(line string) {
			c.handleLine(gen, line)
		},
		OnStderr: func(line string) {
			c.dispatch(gen, func() []Event {
				return []Event{{Kind: EventStderr, Stderr: line}}
			})
		},
		OnClose: func() {
			c.dispatch(gen, func() []Event {
				return []Event{{Kind: EventClose}}
			})
		},
		OnExit: func(code int, err error) {
			c.handleExit(gen, code, err)
		},
	}
}

// current returns the live handle if it still belongs to gen.
func (c *SessionController) current(gen uint64) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.h == nil || c.h.gen != gen {
		return nil
	}
	return c.h
}

// dispatch publishes the events built by fn, provided gen is still live.
func (c *SessionController) dispatch(gen uint64, fn func() []Event) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	h := c.current(gen)
	if h == nil {
		return
	}
	for _, ev := range fn() {
		if c.current(gen) == nil {
			return
		}
		c.publish(h, ev)
	}
}

// publishOutOfBand delivers ev for h whether or not h is still live. Inside
// a listener dispatchMu is already held, so delivery moves to a goroutine
// and follows the event being delivered.
func (c *SessionController) publishOutOfBand(h *handle, ev Event) {
	if c.dispatchMu.TryLock() {
		defer c.dispatchMu.Unlock()
		c.publish(h, ev)
		return
	}
	go func() {
		c.dispatchMu.Lock()
		defer c.dispatchMu.Unlock()
		c.publish(h, ev)
	}()
}

func (c *SessionController) publish(h *handle, ev Event) {
	ev.ConnectionID = h.connID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.bus.Publish(ev)
}

func (c *SessionController) handleLine(gen uint64, line string) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	h := c.current(gen)
	if h == nil {
		c.log.Debug("dropping line from stale process", "line", truncateForLog(line))
		return
	}
	if c.streamLog != nil {
		if _, err := io.WriteString(c.streamLog, line+"\n"); err != nil {
			h.logger().Debug("stream log write failed", "error", err)
		}
	}

	for _, ev := range classifyLine(line) {
		var resolve *connectAttempt

		c.mu.Lock()
		if c.h != h {
			c.mu.Unlock()
			return
		}
		switch ev.Kind {
		case EventInit:
			if h.ready {
				// One init per process; repeats only go out as message.
				c.mu.Unlock()
				continue
			}
			resolve = c.markReadyLocked(h, ev.Init)
		case EventAssistant:
			c.addUsageLocked(ev.Assistant)
		case EventResult:
			c.usage.Turns++
			if ev.Result.TotalCostUSD > 0 {
				c.usage.CostUSD = ev.Result.TotalCostUSD
			}
		case EventPermission:
			req := *ev.Permission
			if _, seen := c.pending[req.ToolID]; !seen {
				c.pendingOrder = append(c.pendingOrder, req.ToolID)
			}
			c.pending[req.ToolID] = req
		case EventRaw:
			h.logger().Debug("non-protocol output", "line", truncateForLog(ev.Raw))
		case EventError:
			h.logger().Warn("assistant reported error", "error", ev.Err)
		}
		c.mu.Unlock()

		c.publish(h, ev)

		if resolve != nil {
			c.mu.Lock()
			if c.h != h {
				// A listener disconnected while the init was delivered.
				resolve.init = nil
				resolve.err = fmt.Errorf("%w: disconnected during handshake", ErrNotConnected)
			}
			c.mu.Unlock()
			close(resolve.done)
		}
	}
}

// markReadyLocked records the handshake and claims the pending attempt.
func (c *SessionController) markReadyLocked(h *handle, init *SystemInit) *connectAttempt {
	h.ready = true
	h.init = init
	if init.SessionID != "" {
		h.log.Store(h.logger().With("sessionID", init.SessionID))
	}
	c.sessionID = init.SessionID
	c.caps = Capabilities{
		Tools:          slices.Clone(init.Tools),
		Agents:         slices.Clone(init.Agents),
		SlashCommands:  slices.Clone(init.SlashCommands),
		Version:        init.ClaudeCodeVersion,
		Model:          init.Model,
		Cwd:            init.Cwd,
		PermissionMode: init.PermissionMode,
	}
	h.logger().Info("handshake complete", "version", init.ClaudeCodeVersion, "model", init.Model, "tools", len(init.Tools))

	a := c.attempt
	if a == nil || a.gen != h.gen {
		return nil
	}
	c.attempt = nil
	a.init = init
	return a
}

// addUsageLocked sums assistant usage. The CLI repeats the same usage on
// every line of one API message, so a repeated message id replaces its
// earlier contribution instead of adding to it.
func (c *SessionController) addUsageLocked(a *AssistantMessage) {
	if a.Usage == nil {
		return
	}
	u := *a.Usage
	if a.ID != "" && a.ID == c.lastMsgID {
		prev := c.lastMsgUsage
		c.usage.InputTokens -= prev.InputTokens
		c.usage.OutputTokens -= prev.OutputTokens
		c.usage.CacheReadTokens -= prev.CacheReadInputTokens
		c.usage.CacheCreationTokens -= prev.CacheCreationInputTokens
	}
	c.usage.InputTokens += u.InputTokens
	c.usage.OutputTokens += u.OutputTokens
	c.usage.CacheReadTokens += u.CacheReadInputTokens
	c.usage.CacheCreationTokens += u.CacheCreationInputTokens
	c.lastMsgID = a.ID
	c.lastMsgUsage = u
}

// handleExit publishes the exit, fails a pending handshake and drops the
// handle. There is no automatic reconnect.
func (c *SessionController) handleExit(gen uint64, code int, exitErr error) {
	c.dispatchMu.Lock()

	h := c.current(gen)
	if h == nil {
		c.dispatchMu.Unlock()
		return
	}
	h.logger().Warn("process exited unexpectedly", "code", code, "error", exitErr)
	c.publish(h, Event{Kind: EventExit, ExitCode: code, Err: exitErr})

	c.mu.Lock()
	var a *connectAttempt
	if c.h == h {
		c.h = nil
		c.gen++
		c.resetHandleStateLocked()
		if c.attempt != nil && c.attempt.gen == gen {
			a = c.attempt
			c.attempt = nil
		}
	}
	c.mu.Unlock()
	c.dispatchMu.Unlock()

	if a != nil {
		a.err = fmt.Errorf("%w (code %d)", ErrUnexpectedExit, code)
		close(a.done)
	}
	// Releases the pipes; the process is already gone.
	h.proc.Terminate()
}
