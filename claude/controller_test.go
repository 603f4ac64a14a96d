package claude

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testInitLine  = `{"type":"system","subtype":"init","session_id":"abc123","tools":["Read","Write"],"agents":["reviewer"],"slash_commands":["/compact"],"claude_code_version":"2.0.0","model":"m","cwd":"/repo","permissionMode":"default"}`
	probeLine     = `{"type":"user","message":{"role":"user","content":""}}`
	waitTimeout   = 2 * time.Second
	neverDuration = time.Hour
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLaunchConfig() LaunchConfig {
	return LaunchConfig{Binary: "claude", Model: "m", PermissionMode: PermissionModeDefault, WorkingDir: os.TempDir()}
}

// newTestController returns a controller on a FakeSpawner. The probe is
// disabled unless a test overrides it.
func newTestController(t *testing.T, opts ...Option) (*SessionController, *FakeSpawner) {
	t.Helper()
	sp := NewFakeSpawner()
	base := []Option{
		WithSpawner(sp),
		WithLogger(discardLogger()),
		WithProbeDelay(neverDuration),
		WithHandshakeTimeout(waitTimeout),
	}
	c := NewController(testLaunchConfig(), append(base, opts...)...)
	t.Cleanup(c.Disconnect)
	return c, sp
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func record(c *SessionController) *recorder {
	r := &recorder{ch: make(chan Event, 512)}
	c.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		r.ch <- ev
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) ofKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor returns the next event of kind, skipping others.
func (r *recorder) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

type connectResult struct {
	init *SystemInit
	err  error
}

func connectAsync(c *SessionController, ctx context.Context) <-chan connectResult {
	ch := make(chan connectResult, 1)
	go func() {
		init, err := c.Connect(ctx)
		ch <- connectResult{init, err}
	}()
	return ch
}

func awaitConnect(t *testing.T, ch <-chan connectResult) connectResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(waitTimeout):
		t.Fatal("Connect did not return")
		return connectResult{}
	}
}

func waitSpawn(t *testing.T, sp *FakeSpawner) *FakeProcess {
	t.Helper()
	p := sp.WaitForSpawn(waitTimeout)
	if p == nil {
		t.Fatal("no process spawned")
	}
	return p
}

// connectReady drives a full handshake and returns the live process.
func connectReady(t *testing.T, c *SessionController, sp *FakeSpawner) *FakeProcess {
	t.Helper()
	ch := connectAsync(c, context.Background())
	p := waitSpawn(t, sp)
	p.Emit(testInitLine)
	if res := awaitConnect(t, ch); res.err != nil {
		t.Fatalf("Connect: %v", res.err)
	}
	return p
}

func TestConnect_ResolvesWithInitAndEmitsOnce(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)

	ch := connectAsync(c, context.Background())
	p := waitSpawn(t, sp)
	p.Emit(testInitLine)
	res := awaitConnect(t, ch)

	if res.err != nil {
		t.Fatalf("Connect: %v", res.err)
	}
	if res.init.SessionID != "abc123" || !slices.Equal(res.init.Tools, []string{"Read", "Write"}) {
		t.Errorf("unexpected init: %+v", res.init)
	}

	inits := rec.ofKind(EventInit)
	if len(inits) != 1 {
		t.Fatalf("got %d init events, want 1", len(inits))
	}
	if inits[0].Init != res.init {
		t.Error("init event payload differs from Connect result")
	}
	if inits[0].ConnectionID == "" || inits[0].Time.IsZero() {
		t.Errorf("init event not stamped: %+v", inits[0])
	}

	if !c.Connected() || c.SessionID() != "abc123" {
		t.Errorf("Connected=%v SessionID=%q", c.Connected(), c.SessionID())
	}
	caps := c.Capabilities()
	if caps.Version != "2.0.0" || !slices.Equal(caps.Agents, []string{"reviewer"}) || !slices.Equal(caps.SlashCommands, []string{"/compact"}) {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
	if c.ConnectionID() != inits[0].ConnectionID {
		t.Errorf("ConnectionID = %q, event has %q", c.ConnectionID(), inits[0].ConnectionID)
	}
}

func TestConnect_ConcurrentCallsShareOneSpawn(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)

	first := connectAsync(c, context.Background())
	p := waitSpawn(t, sp)
	second := connectAsync(c, context.Background())

	p.Emit(testInitLine)
	r1 := awaitConnect(t, first)
	r2 := awaitConnect(t, second)

	if r1.err != nil || r2.err != nil {
		t.Fatalf("errors: %v, %v", r1.err, r2.err)
	}
	if r1.init != r2.init {
		t.Error("concurrent Connect calls resolved with different payloads")
	}

	// Connecting again once ready neither spawns nor re-emits.
	r3, err := c.Connect(context.Background())
	if err != nil || r3 != r1.init {
		t.Errorf("Connect on ready controller = %v, %v", r3, err)
	}

	if n := sp.SpawnCount(); n != 1 {
		t.Errorf("spawned %d processes, want 1", n)
	}
	if n := len(rec.ofKind(EventInit)); n != 1 {
		t.Errorf("got %d init events, want 1", n)
	}
}

func TestConnect_SendsProbeWhenInitIsLate(t *testing.T) {
	c, sp := newTestController(t, WithProbeDelay(10*time.Millisecond))
	sp.Respond = func(p *FakeProcess, line string) {
		if line == probeLine {
			p.Emit(testInitLine)
		}
	}

	init, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if init.SessionID != "abc123" {
		t.Errorf("SessionID = %q", init.SessionID)
	}

	writes := sp.Processes()[0].Writes()
	if len(writes) != 1 || writes[0] != probeLine {
		t.Errorf("writes = %q, want exactly the probe", writes)
	}
}

func TestConnect_NoProbeWhenInitIsPrompt(t *testing.T) {
	c, sp := newTestController(t, WithProbeDelay(200*time.Millisecond))
	p := connectReady(t, c, sp)

	time.Sleep(300 * time.Millisecond)
	if writes := p.Writes(); len(writes) != 0 {
		t.Errorf("unexpected writes after prompt init: %q", writes)
	}
}

func TestConnect_HandshakeTimeout(t *testing.T) {
	c, sp := newTestController(t,
		WithProbeDelay(10*time.Millisecond),
		WithHandshakeTimeout(80*time.Millisecond),
	)
	rec := record(c)

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}

	p := sp.Processes()[0]
	if !p.Terminated() {
		t.Error("process was not terminated after the timeout")
	}
	if writes := p.Writes(); len(writes) == 0 || writes[0] != probeLine {
		t.Errorf("probe not written before timing out: %q", writes)
	}
	if c.Connected() || c.ConnectionID() != "" {
		t.Error("controller still holds a handle after the timeout")
	}

	// A late init from the dead process is discarded.
	p.Emit(testInitLine)
	if n := len(rec.ofKind(EventInit)); n != 0 {
		t.Errorf("got %d init events from a timed-out process", n)
	}
}

func TestConnect_SpawnFailure(t *testing.T) {
	c, sp := newTestController(t)
	sp.SpawnErr = errors.New("exec: \"claude\": executable file not found in $PATH")

	_, err := c.Connect(context.Background())
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("err = %v, want ErrSpawnFailure", err)
	}
	if !strings.Contains(err.Error(), "executable file not found") {
		t.Errorf("underlying cause lost: %v", err)
	}
}

func TestConnect_InvalidConfig(t *testing.T) {
	sp := NewFakeSpawner()
	c := NewController(LaunchConfig{}, WithSpawner(sp), WithLogger(discardLogger()))
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected validation error")
	}
	if sp.SpawnCount() != 0 {
		t.Error("invalid config should not spawn")
	}
}

func TestConnect_ExitBeforeInit(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)

	ch := connectAsync(c, context.Background())
	p := waitSpawn(t, sp)
	p.EmitStderr("Error: invalid model")
	p.Exit(1, errors.New("exit status 1"))

	res := awaitConnect(t, ch)
	if !errors.Is(res.err, ErrUnexpectedExit) {
		t.Fatalf("err = %v, want ErrUnexpectedExit", res.err)
	}
	exits := rec.ofKind(EventExit)
	if len(exits) != 1 || exits[0].ExitCode != 1 {
		t.Errorf("exit events = %+v", exits)
	}
	if st := rec.ofKind(EventStderr); len(st) != 1 || st[0].Stderr != "Error: invalid model" {
		t.Errorf("stderr events = %+v", st)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	c, sp := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := connectAsync(c, ctx)
	p := waitSpawn(t, sp)
	cancel()

	res := awaitConnect(t, ch)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if !p.Terminated() {
		t.Error("abandoned attempt left its process running")
	}
}

func TestDisconnect_DuringHandshake(t *testing.T) {
	c, sp := newTestController(t)

	ch := connectAsync(c, context.Background())
	p := waitSpawn(t, sp)
	c.Disconnect()

	res := awaitConnect(t, ch)
	if !errors.Is(res.err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", res.err)
	}
	if !p.Terminated() {
		t.Error("process not terminated")
	}
}

func TestSend_WritesOneUserEnvelope(t *testing.T) {
	c, sp := newTestController(t)
	p := connectReady(t, c, sp)

	if err := c.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := `{"type":"user","message":{"role":"user","content":"hello"}}`
	if writes := p.Writes(); len(writes) != 1 || writes[0] != want {
		t.Errorf("writes = %q, want [%s]", writes, want)
	}
}

func TestSend_PassesTurnsThroughInOrder(t *testing.T) {
	c, sp := newTestController(t)
	p := connectReady(t, c, sp)

	for _, text := range []string{"one", "two", "three"} {
		if err := c.Send(text); err != nil {
			t.Fatalf("Send(%q): %v", text, err)
		}
	}
	writes := p.Writes()
	if len(writes) != 3 || !strings.Contains(writes[0], `"one"`) || !strings.Contains(writes[2], `"three"`) {
		t.Errorf("writes = %q", writes)
	}
}

func TestOperations_NotConnected(t *testing.T) {
	c, sp := newTestController(t)

	check := func(stage string) {
		t.Helper()
		if err := c.Send("x"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s: Send err = %v", stage, err)
		}
		if err := c.RespondToPermission("t1", true); !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s: RespondToPermission err = %v", stage, err)
		}
		if err := c.SendControl("noop", nil); !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s: SendControl err = %v", stage, err)
		}
		if err := c.Interrupt(); !errors.Is(err, ErrNotConnected) {
			t.Errorf("%s: Interrupt err = %v", stage, err)
		}
	}

	check("before connect")
	connectReady(t, c, sp)
	c.Disconnect()
	check("after disconnect")
}

func TestSend_BeforeHandshakeCompletes(t *testing.T) {
	c, sp := newTestController(t)
	ch := connectAsync(c, context.Background())
	p := waitSpawn(t, sp)

	if err := c.Send("too early"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send during handshake err = %v", err)
	}
	p.Emit(testInitLine)
	awaitConnect(t, ch)
}

func TestPermission_RequestAndResponse(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	p.Emit(`{"type":"permission_request","tool_use_id":"t1","tool_name":"Bash","tool_input":{"command":"make"}}`)

	perms := rec.ofKind(EventPermission)
	if len(perms) != 1 {
		t.Fatalf("got %d permission events", len(perms))
	}
	req := perms[0].Permission
	if req.ToolID != "t1" || req.ToolName != "Bash" || req.Risk != RiskHigh {
		t.Errorf("unexpected request: %+v", req)
	}
	if pending := c.PendingPermissions(); len(pending) != 1 || pending[0].ToolID != "t1" {
		t.Errorf("pending = %+v", pending)
	}

	if err := c.RespondToPermission("t1", false); err != nil {
		t.Fatalf("RespondToPermission: %v", err)
	}
	want := `{"type":"permission_response","tool_use_id":"t1","allowed":false}`
	if writes := p.Writes(); len(writes) != 1 || writes[0] != want {
		t.Errorf("writes = %q, want [%s]", writes, want)
	}

	// Answered and unknown tokens are ignored.
	if err := c.RespondToPermission("t1", true); err != nil {
		t.Errorf("second response err = %v", err)
	}
	if err := c.RespondToPermission("nope", true); err != nil {
		t.Errorf("unknown token err = %v", err)
	}
	if writes := p.Writes(); len(writes) != 1 {
		t.Errorf("no-op responses wrote lines: %q", writes)
	}
	if len(c.PendingPermissions()) != 0 {
		t.Error("answered request still pending")
	}
}

func TestPermission_StaysPendingWhenWriteFails(t *testing.T) {
	c, sp := newTestController(t)
	p := connectReady(t, c, sp)
	p.Emit(`{"type":"permission_request","tool_use_id":"t1","tool_name":"Write","tool_input":{"file_path":"a"}}`)

	broken := errors.New("broken pipe")
	p.FailWrites(broken)
	if err := c.RespondToPermission("t1", true); !errors.Is(err, broken) {
		t.Fatalf("err = %v, want the write error", err)
	}
	if pending := c.PendingPermissions(); len(pending) != 1 || pending[0].ToolID != "t1" {
		t.Fatalf("pending after failed write = %+v", pending)
	}

	p.FailWrites(nil)
	if err := c.RespondToPermission("t1", true); err != nil {
		t.Fatalf("retry: %v", err)
	}
	want := `{"type":"permission_response","tool_use_id":"t1","allowed":true}`
	if writes := p.Writes(); len(writes) != 1 || writes[0] != want {
		t.Errorf("writes = %q, want [%s]", writes, want)
	}
	if n := len(c.PendingPermissions()); n != 0 {
		t.Errorf("%d still pending after a successful answer", n)
	}
}

func TestPermission_CorrelationWithManyPending(t *testing.T) {
	c, sp := newTestController(t)
	p := connectReady(t, c, sp)

	for _, id := range []string{"t1", "t2", "t3"} {
		p.Emit(`{"type":"permission_request","tool_use_id":"` + id + `","tool_name":"Edit","tool_input":{"file_path":"x"}}`)
	}

	if err := c.RespondToPermission("t2", true); err != nil {
		t.Fatalf("RespondToPermission: %v", err)
	}
	want := `{"type":"permission_response","tool_use_id":"t2","allowed":true}`
	if writes := p.Writes(); len(writes) != 1 || writes[0] != want {
		t.Errorf("writes = %q, want [%s]", writes, want)
	}

	var ids []string
	for _, req := range c.PendingPermissions() {
		ids = append(ids, req.ToolID)
	}
	if !slices.Equal(ids, []string{"t1", "t3"}) {
		t.Errorf("pending = %v, want [t1 t3]", ids)
	}
}

func TestEvents_MalformedLineBecomesRaw(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	p.Emit("Warning: something odd {")
	p.Emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"still here"}]}}`)

	raws := rec.ofKind(EventRaw)
	if len(raws) != 1 || raws[0].Raw != "Warning: something odd {" {
		t.Errorf("raw events = %+v", raws)
	}
	if as := rec.ofKind(EventAssistant); len(as) != 1 || as[0].Assistant.Text() != "still here" {
		t.Errorf("line after raw not processed: %+v", as)
	}
}

func TestEvents_PreserveLineOrder(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	const n = 50
	for i := range n {
		p.EmitJSON(map[string]any{
			"type":    "assistant",
			"message": map[string]any{"content": []map[string]any{{"type": "text", "text": string(rune('A' + i%26))}}},
		})
	}

	as := rec.ofKind(EventAssistant)
	if len(as) != n {
		t.Fatalf("got %d assistant events, want %d", len(as), n)
	}
	for i, ev := range as {
		if want := string(rune('A' + i%26)); ev.Assistant.Text() != want {
			t.Fatalf("event %d text = %q, want %q", i, ev.Assistant.Text(), want)
		}
	}

	// Every assistant event is followed by its message fan-out.
	all := rec.all()
	for i, ev := range all {
		if ev.Kind == EventAssistant && (i+1 >= len(all) || all[i+1].Kind != EventMessage) {
			t.Fatalf("assistant event %d not followed by its message event", i)
		}
	}
}

func TestEvents_DuplicateInitOnlyFansOut(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	p.Emit(testInitLine)

	if n := len(rec.ofKind(EventInit)); n != 1 {
		t.Errorf("got %d init events, want 1", n)
	}
	var systemMsgs int
	for _, ev := range rec.ofKind(EventMessage) {
		if ev.Type == "system" {
			systemMsgs++
		}
	}
	if systemMsgs != 2 {
		t.Errorf("got %d system message events, want 2", systemMsgs)
	}
}

func TestEvents_OnTypeReceivesTypeNamedFanOut(t *testing.T) {
	c, sp := newTestController(t)
	var results []Event
	c.OnType("result", func(ev Event) { results = append(results, ev) })
	p := connectReady(t, c, sp)

	p.Emit(`{"type":"result","subtype":"success","result":"ok"}`)
	if len(results) != 1 || !strings.Contains(string(results[0].Payload), `"ok"`) {
		t.Errorf("OnType results = %+v", results)
	}
}

func TestEvents_StderrAndClose(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	p.EmitStderr("debug: tool cache warm")
	p.CloseOutput()

	if st := rec.ofKind(EventStderr); len(st) != 1 || st[0].Stderr != "debug: tool cache warm" {
		t.Errorf("stderr events = %+v", st)
	}
	if n := len(rec.ofKind(EventClose)); n != 1 {
		t.Errorf("got %d close events", n)
	}
}

func TestInterrupt_SignalsAndPublishes(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	if err := c.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	rec.waitFor(t, EventInterrupted)

	if sigs := p.Signals(); len(sigs) != 1 || sigs[0] != os.Interrupt {
		t.Errorf("signals = %v, want [interrupt]", sigs)
	}
	if p.Terminated() {
		t.Error("Interrupt must not tear the process down")
	}
	if err := c.Send("next"); err != nil {
		t.Errorf("Send after interrupt: %v", err)
	}
}

func TestInterrupt_PublishesBeforeReturning(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	if err := c.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	c.Disconnect()
	p.Emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"late"}]}}`)

	if n := len(rec.ofKind(EventInterrupted)); n != 1 {
		t.Fatalf("got %d interrupted events, want 1", n)
	}
	var kinds []EventKind
	for _, ev := range rec.all() {
		kinds = append(kinds, ev.Kind)
	}
	i := slices.Index(kinds, EventInterrupted)
	if j := slices.Index(kinds, EventClose); j < i {
		t.Errorf("close published before interrupted: %v", kinds)
	}
}

func TestInterrupt_FromInsideListener(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	c.On(EventResult, func(Event) {
		if err := c.Interrupt(); err != nil {
			t.Errorf("Interrupt: %v", err)
		}
	})
	p := connectReady(t, c, sp)

	p.Emit(`{"type":"result","subtype":"success","result":"done"}`)
	rec.waitFor(t, EventInterrupted)
}

func TestDisconnect_TeardownOrder(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)
	before := len(rec.all())

	c.Disconnect()
	c.Disconnect()

	want := []string{"close-stdin", "kill", "exited", "close-stdout", "close-stderr"}
	if got := p.Steps(); !slices.Equal(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if c.Connected() {
		t.Error("still connected after Disconnect")
	}

	// One close for the torn-down connection; its asynchronous exit report
	// is not published.
	time.Sleep(50 * time.Millisecond)
	after := rec.all()[before:]
	if len(after) != 1 || after[0].Kind != EventClose {
		t.Fatalf("Disconnect published %+v, want one close event", after)
	}
	if after[0].ConnectionID == "" {
		t.Error("close event has no connection id")
	}
}

func TestDisconnect_DuringInitDelivery(t *testing.T) {
	c, sp := newTestController(t)
	c.On(EventInit, func(Event) { c.Disconnect() })

	ch := connectAsync(c, context.Background())
	p := waitSpawn(t, sp)
	p.Emit(testInitLine)

	res := awaitConnect(t, ch)
	if !errors.Is(res.err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", res.err)
	}
	if res.init != nil {
		t.Errorf("init = %+v, want nil", res.init)
	}
	if c.Connected() {
		t.Error("connected after Disconnect inside the init listener")
	}
}

func TestDisconnect_FromInsideListener(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	c.On(EventResult, func(Event) { c.Disconnect() })
	p := connectReady(t, c, sp)

	p.Emit(`{"type":"result","subtype":"success","result":"done"}`)
	p.Emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"late"}]}}`)

	if !p.Terminated() {
		t.Error("Disconnect from listener did not terminate")
	}
	if n := len(rec.ofKind(EventAssistant)); n != 0 {
		t.Errorf("got %d events after disconnect", n)
	}
	// The result's own message fan-out is suppressed too.
	for _, ev := range rec.ofKind(EventMessage) {
		if ev.Type == "result" {
			t.Error("message event delivered after Disconnect inside the result listener")
		}
	}
}

func TestExit_AfterReady(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	p := connectReady(t, c, sp)

	p.Exit(0, nil)

	exits := rec.ofKind(EventExit)
	if len(exits) != 1 || exits[0].ExitCode != 0 {
		t.Fatalf("exit events = %+v", exits)
	}
	if c.Connected() {
		t.Error("still connected after the process exited")
	}
	if err := c.Send("hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after exit err = %v", err)
	}
	if sp.SpawnCount() != 1 {
		t.Error("controller reconnected on its own")
	}
}

func TestReconnect_IsolatesOldProcess(t *testing.T) {
	c, sp := newTestController(t)
	rec := record(c)
	old := connectReady(t, c, sp)
	oldConn := c.ConnectionID()

	ch := make(chan connectResult, 1)
	go func() {
		init, err := c.Reconnect(context.Background(), LaunchPatch{Model: StringPtr("X")})
		ch <- connectResult{init, err}
	}()
	fresh := waitSpawn(t, sp)

	args := fresh.Args()
	i := slices.Index(args, "--model")
	if i < 0 || i+1 >= len(args) || args[i+1] != "X" {
		t.Errorf("new args = %q, want --model X", args)
	}
	if !old.Terminated() {
		t.Error("old process not torn down before the new spawn")
	}

	// A straggler from the old process arrives after reconnect began.
	old.Emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"straggler"}]}}`)
	fresh.Emit(strings.Replace(testInitLine, "abc123", "def456", 1))
	res := <-ch
	if res.err != nil {
		t.Fatalf("Reconnect: %v", res.err)
	}
	old.Emit(`{"type":"result","subtype":"success"}`)

	if res.init.SessionID != "def456" || c.SessionID() != "def456" {
		t.Errorf("session after reconnect = %q / %q", res.init.SessionID, c.SessionID())
	}
	if c.Config().Model != "X" {
		t.Errorf("config model = %q", c.Config().Model)
	}

	inits := rec.ofKind(EventInit)
	if len(inits) != 2 {
		t.Fatalf("got %d init events, want 2", len(inits))
	}
	newConn := inits[1].ConnectionID
	if newConn == oldConn {
		t.Error("reconnect reused the connection id")
	}

	seenSecondInit := false
	for _, ev := range rec.all() {
		if ev.Kind == EventInit && ev.ConnectionID == newConn {
			seenSecondInit = true
			continue
		}
		if seenSecondInit && ev.ConnectionID != newConn {
			t.Errorf("event %s from old connection after new init", ev.Kind)
		}
		if ev.Kind == EventAssistant && ev.Assistant.Text() == "straggler" {
			t.Error("straggler line was published")
		}
		if ev.Kind == EventClose && ev.ConnectionID == oldConn {
			t.Error("reconnect published a close for the replaced connection")
		}
	}
}

func TestReconnect_ResetsPerProcessState(t *testing.T) {
	c, sp := newTestController(t)
	p := connectReady(t, c, sp)

	p.Emit(`{"type":"permission_request","tool_use_id":"t1","tool_name":"Bash","tool_input":{"command":"ls"}}`)
	p.Emit(`{"type":"assistant","message":{"id":"m1","content":[],"usage":{"input_tokens":5,"output_tokens":1}}}`)

	ch := make(chan connectResult, 1)
	go func() {
		init, err := c.Reconnect(context.Background(), LaunchPatch{PermissionMode: ModePtr(PermissionModePlan)})
		ch <- connectResult{init, err}
	}()
	fresh := waitSpawn(t, sp)
	fresh.Emit(testInitLine)
	if res := <-ch; res.err != nil {
		t.Fatalf("Reconnect: %v", res.err)
	}

	if n := len(c.PendingPermissions()); n != 0 {
		t.Errorf("%d permissions carried across reconnect", n)
	}
	if u := c.Usage(); u != (UsageTotals{}) {
		t.Errorf("usage carried across reconnect: %+v", u)
	}
	if err := c.RespondToPermission("t1", true); err != nil {
		t.Errorf("stale token err = %v", err)
	}
	if w := fresh.Writes(); len(w) != 0 {
		t.Errorf("stale token reached the new process: %q", w)
	}
	if !slices.Contains(fresh.Args(), "plan") {
		t.Errorf("args = %q, want plan mode", fresh.Args())
	}
}

func TestUsage_Accumulates(t *testing.T) {
	c, sp := newTestController(t)
	p := connectReady(t, c, sp)

	// The CLI repeats usage on every line of one API message.
	p.Emit(`{"type":"assistant","message":{"id":"m1","content":[{"type":"text","text":"a"}],"usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":100}}}`)
	p.Emit(`{"type":"assistant","message":{"id":"m1","content":[{"type":"tool_use","id":"x","name":"Read","input":{}}],"usage":{"input_tokens":10,"output_tokens":6,"cache_read_input_tokens":100}}}`)
	p.Emit(`{"type":"assistant","message":{"id":"m2","content":[],"usage":{"input_tokens":3,"output_tokens":2,"cache_creation_input_tokens":7}}}`)
	p.Emit(`{"type":"result","subtype":"success","total_cost_usd":0.5}`)

	got := c.Usage()
	want := UsageTotals{InputTokens: 13, OutputTokens: 8, CacheReadTokens: 100, CacheCreationTokens: 7, CostUSD: 0.5, Turns: 1}
	if got != want {
		t.Errorf("Usage() = %+v, want %+v", got, want)
	}
}

func TestSendControl_Flattened(t *testing.T) {
	c, sp := newTestController(t)
	p := connectReady(t, c, sp)

	if err := c.SendControl("set_permission_mode", map[string]any{"mode": "plan"}); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	w := p.Writes()
	if len(w) != 1 || !strings.Contains(w[0], `"type":"control"`) || !strings.Contains(w[0], `"command":"set_permission_mode"`) || !strings.Contains(w[0], `"mode":"plan"`) {
		t.Errorf("writes = %q", w)
	}
}

func TestStreamLog_TapsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	c, sp := newTestController(t, WithStreamLog(&buf))
	p := connectReady(t, c, sp)
	p.Emit("banner")

	if got, want := buf.String(), testInitLine+"\nbanner\n"; got != want {
		t.Errorf("stream log = %q, want %q", got, want)
	}
}
