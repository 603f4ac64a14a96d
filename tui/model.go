// Package tui is a small bubbletea front end over a claude session. It
// renders the event stream as a transcript, takes prompts, answers
// permission requests, and switches personas by reconnecting.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/qalclaude/qalclaude/claude"
	"github.com/qalclaude/qalclaude/persona"
)

// eventBuffer is how many bus events may queue ahead of the UI.
const eventBuffer = 256

// Session is the part of *claude.SessionController the UI drives.
type Session interface {
	Subscribe(fn claude.Listener) (unsubscribe func())
	Connect(ctx context.Context) (*claude.SystemInit, error)
	Reconnect(ctx context.Context, patch claude.LaunchPatch) (*claude.SystemInit, error)
	Send(text string) error
	RespondToPermission(toolID string, allowed bool) error
	Interrupt() error
	SessionID() string
	Config() claude.LaunchConfig
	Usage() claude.UsageTotals
}

// Options configures a Model.
type Options struct {
	Personas *persona.Registry // nil disables persona cycling
	Persona  string            // persona active at startup
	BaseArgs []string          // extra args kept across persona switches
}

type eventMsg struct{ ev claude.Event }

type connectedMsg struct {
	persona string
	init    *claude.SystemInit
	err     error
}

// Model is the bubbletea model. Create it with New and release it with
// Close once the program has exited.
type Model struct {
	ctx      context.Context
	session  Session
	personas *persona.Registry
	persona  string
	baseArgs []string

	events chan tea.Msg
	done   chan struct{}
	unsub  func()

	transcript []string
	pending    []claude.PermissionRequest
	connected  bool
	connecting bool
	busy       bool
	status     string

	width  int
	height int

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
}

// New subscribes to session and returns a model that connects on Init.
func New(ctx context.Context, session Session, opts Options) *Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 8000
	input.Placeholder = "Ask Claude… (tab: persona, esc: interrupt, ctrl+c: quit)"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	vp := viewport.New(0, 0)
	vp.MouseWheelEnabled = true

	m := &Model{
		ctx:        ctx,
		session:    session,
		personas:   opts.Personas,
		persona:    opts.Persona,
		baseArgs:   opts.BaseArgs,
		events:     make(chan tea.Msg, eventBuffer),
		done:       make(chan struct{}),
		connecting: true,
		status:     "connecting...",
		input:      input,
		viewport:   vp,
		spinner:    sp,
	}
	m.unsub = session.Subscribe(m.forward)
	return m
}

// forward runs on the session's reader goroutine. It blocks while the
// queue is full so no event is dropped, and gives up once Close is called.
func (m *Model) forward(ev claude.Event) {
	select {
	case m.events <- eventMsg{ev}:
	case <-m.done:
	}
}

// Persona returns the active persona name.
func (m *Model) Persona() string { return m.persona }

// Close detaches the model from the session.
func (m *Model) Close() {
	select {
	case <-m.done:
		return
	default:
	}
	close(m.done)
	m.unsub()
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.connectCmd(),
		waitEventMsg(m.events),
	)
}

func waitEventMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) connectCmd() tea.Cmd {
	name := m.persona
	return func() tea.Msg {
		init, err := m.session.Connect(m.ctx)
		return connectedMsg{persona: name, init: init, err: err}
	}
}

func (m *Model) reconnectCmd(p persona.Persona) tea.Cmd {
	patch := p.LaunchPatch(m.baseArgs...)
	return func() tea.Msg {
		init, err := m.session.Reconnect(m.ctx, patch)
		return connectedMsg{persona: p.Name, init: init, err: err}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case eventMsg:
		m.handleEvent(msg.ev)
		m.render()
		cmds = append(cmds, waitEventMsg(m.events))

	case connectedMsg:
		m.connecting = false
		if msg.err != nil {
			m.connected = false
			m.status = "connect failed"
			m.appendLine(errorStyle.Render("connect failed: " + msg.err.Error()))
			break
		}
		m.connected = true
		m.persona = msg.persona
		m.status = "ready"
		m.render()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.render()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// handleKey reports whether the key was consumed.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true
	}

	if len(m.pending) > 0 {
		switch msg.String() {
		case "y", "Y":
			m.answerPermission(true)
		case "n", "N", "esc":
			m.answerPermission(false)
		}
		return nil, true
	}

	switch msg.String() {
	case "esc":
		if m.busy {
			if err := m.session.Interrupt(); err != nil {
				m.appendLine(errorStyle.Render("interrupt: " + err.Error()))
			}
		}
		return nil, true

	case "tab", "shift+tab":
		if m.personas == nil || m.connecting {
			return nil, true
		}
		next := m.personas.Next(m.persona, msg.String() == "shift+tab")
		m.connecting = true
		m.connected = false
		m.busy = false
		m.pending = nil
		m.status = "switching to " + next.Name + "..."
		m.appendLine(mutedStyle.Render("switching persona to " + next.Name))
		return m.reconnectCmd(next), true

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return nil, true
		}
		if !m.connected {
			m.status = "not connected yet"
			return nil, true
		}
		if err := m.session.Send(text); err != nil {
			m.appendLine(errorStyle.Render("send: " + err.Error()))
			return nil, true
		}
		m.input.Reset()
		m.busy = true
		m.status = "working"
		m.appendLine(userStyle.Render("you: ") + text)
		return nil, true
	}

	return nil, false
}

func (m *Model) answerPermission(allowed bool) {
	req := m.pending[0]
	m.pending = m.pending[1:]
	if err := m.session.RespondToPermission(req.ToolID, allowed); err != nil {
		m.appendLine(errorStyle.Render("permission: " + err.Error()))
		return
	}
	verdict := "denied"
	if allowed {
		verdict = "allowed"
	}
	m.appendLine(mutedStyle.Render(fmt.Sprintf("%s %s", verdict, req.ToolName)))
}

func (m *Model) handleEvent(ev claude.Event) {
	switch ev.Kind {
	case claude.EventInit:
		m.status = "ready"

	case claude.EventAssistant:
		if text := ev.Assistant.Text(); text != "" {
			m.appendLine(text)
		}

	case claude.EventToolStarted:
		line := "⏺ " + ev.Tool.Verb
		if ev.Tool.Summary != "" {
			line += " " + ev.Tool.Summary
		}
		m.appendLine(toolStyle.Render(line))

	case claude.EventTodo:
		counts := ev.Todos.CountByStatus()
		total := len(ev.Todos.Items)
		line := fmt.Sprintf("todos %d/%d", counts.Completed+counts.Cancelled, total)
		if cur, ok := ev.Todos.Current(); ok {
			line += " · " + cur.ActiveForm
		}
		m.appendLine(toolStyle.Render(line))

	case claude.EventResult:
		m.busy = false
		m.status = "ready"
		if ev.Result.IsError {
			m.appendLine(errorStyle.Render("turn failed: " + ev.Result.Subtype))
		}

	case claude.EventPermission:
		m.pending = append(m.pending, *ev.Permission)

	case claude.EventError:
		m.busy = false
		m.appendLine(errorStyle.Render(ev.Err.Error()))

	case claude.EventRaw:
		m.appendLine(mutedStyle.Render(ev.Raw))

	case claude.EventInterrupted:
		m.busy = false
		m.status = "interrupted"
		m.appendLine(mutedStyle.Render("interrupted"))

	case claude.EventExit:
		m.busy = false
		m.connected = false
		m.pending = nil
		m.status = "disconnected"
		m.appendLine(errorStyle.Render(fmt.Sprintf("claude exited (code %d)", ev.ExitCode)))
	}
}

func (m *Model) appendLine(line string) {
	m.transcript = append(m.transcript, line)
	m.render()
}

func (m *Model) resize() {
	m.input.Width = max(m.width-4, 10)
	m.viewport.Width = m.width
	// status line plus the input or permission box
	m.viewport.Height = max(m.height-4, 1)
}

func (m *Model) render() {
	wrap := lipgloss.NewStyle()
	if m.width > 0 {
		wrap = wrap.Width(m.width)
	}
	m.viewport.SetContent(wrap.Render(strings.Join(m.transcript, "\n")))
	m.viewport.GotoBottom()
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if len(m.pending) > 0 {
		b.WriteString(m.permissionView(m.pending[0]))
	} else {
		b.WriteString(m.input.View())
	}
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	return b.String()
}

func (m *Model) permissionView(req claude.PermissionRequest) string {
	input := strings.TrimSpace(string(req.Input))
	if len(input) > 200 {
		input = input[:197] + "..."
	}
	body := fmt.Sprintf("%s wants to use %s\n%s\nallow? [y/n]",
		riskStyle(req.Risk).Render(strings.ToUpper(string(req.Risk))),
		req.ToolName,
		toolStyle.Render(input))
	return promptStyle.BorderForeground(riskStyle(req.Risk).GetForeground()).Render(body)
}

func (m *Model) statusLine() string {
	var parts []string

	if m.persona != "" {
		color := ""
		if m.personas != nil {
			if p, ok := m.personas.Get(m.persona); ok {
				color = p.Color
			}
		}
		parts = append(parts, personaStyle(color).Render(m.persona))
	}
	parts = append(parts, m.session.Config().Model)
	if id := m.session.SessionID(); id != "" {
		parts = append(parts, shortID(id))
	}

	u := m.session.Usage()
	parts = append(parts,
		fmt.Sprintf("%d↑ %d↓", u.InputTokens, u.OutputTokens),
		fmt.Sprintf("$%.4f", u.CostUSD))

	state := m.status
	if m.busy || m.connecting {
		state = m.spinner.View() + " " + state
	}
	parts = append(parts, state)

	return statusStyle.Render(strings.Join(parts, " · "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
