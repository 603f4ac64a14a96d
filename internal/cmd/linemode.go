package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/qalclaude/qalclaude/claude"
)

// lineSession is the part of *claude.SessionController line mode needs.
type lineSession interface {
	Subscribe(fn claude.Listener) (unsubscribe func())
	Connect(ctx context.Context) (*claude.SystemInit, error)
	Send(text string) error
	RespondToPermission(toolID string, allowed bool) error
}

// lockedWriter serializes writes from the reader goroutine and the caller.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

// runLineMode sends each non-blank input line as one turn and waits for its
// result before reading the next. Assistant text goes to out; permission
// denials and errors go to errOut. It returns nil at end of input.
func runLineMode(ctx context.Context, s lineSession, in io.Reader, out, errOut io.Writer) error {
	stdout := &lockedWriter{w: out}
	stderr := &lockedWriter{w: errOut}

	turnDone := make(chan struct{}, 1)
	exited := make(chan int, 1)

	unsub := s.Subscribe(func(ev claude.Event) {
		switch ev.Kind {
		case claude.EventAssistant:
			if text := ev.Assistant.Text(); text != "" {
				stdout.printf("%s\n", text)
			}
		case claude.EventPermission:
			req := ev.Permission
			if err := s.RespondToPermission(req.ToolID, false); err != nil {
				stderr.printf("qalclaude: failed to deny %s: %v\n", req.ToolName, err)
				return
			}
			stderr.printf("qalclaude: denied %s (%s risk); line mode cannot prompt, use --permission-mode to allow it\n",
				req.ToolName, req.Risk)
		case claude.EventError:
			stderr.printf("qalclaude: %v\n", ev.Err)
		case claude.EventResult:
			select {
			case turnDone <- struct{}{}:
			default:
			}
		case claude.EventExit:
			select {
			case exited <- ev.ExitCode:
			default:
			}
		}
	})
	defer unsub()

	if _, err := s.Connect(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	scanErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case code := <-exited:
			return fmt.Errorf("%w (code %d)", claude.ErrUnexpectedExit, code)
		case l, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = l
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if err := s.Send(text); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case code := <-exited:
			return fmt.Errorf("%w (code %d)", claude.ErrUnexpectedExit, code)
		case <-turnDone:
		}
	}
}
