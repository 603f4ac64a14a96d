// Package process finds Claude CLI processes left behind by a host that
// died without tearing its session down.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/qalclaude/qalclaude/logger"
)

// psTimeout bounds the process listing.
const psTimeout = 5 * time.Second

// streamMarker identifies a CLI launched in stream-json mode, which is how
// every session is started.
const streamMarker = "--input-format stream-json"

// ClaudeProcess is a running stream-json Claude CLI found on the system.
type ClaudeProcess struct {
	PID     int
	PPID    int
	Command string // full command line
}

// Orphaned reports whether the process was reparented to init, which means
// the host that spawned it is gone.
func (p ClaudeProcess) Orphaned() bool {
	return p.PPID == 1
}

// FindClaudeProcesses lists every stream-json Claude CLI on the system.
// Only unix-like systems are supported; elsewhere it returns nothing.
func FindClaudeProcesses(ctx context.Context) ([]ClaudeProcess, error) {
	switch runtime.GOOS {
	case "darwin", "linux", "freebsd", "openbsd", "netbsd":
	default:
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, psTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,ppid=,args=").Output()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	processes := parsePS(string(output), os.Getpid())
	logger.WithComponent("process").Debug("found Claude processes", "count", len(processes))
	return processes, nil
}

// parsePS extracts stream-json CLI processes from `ps -o pid=,ppid=,args=`
// output, skipping self.
func parsePS(output string, self int) []ClaudeProcess {
	var processes []ClaudeProcess
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid == self {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		args := strings.Join(fields[2:], " ")
		if !strings.Contains(args, streamMarker) || !strings.Contains(args, "claude") {
			continue
		}
		processes = append(processes, ClaudeProcess{PID: pid, PPID: ppid, Command: args})
	}
	return processes
}

// FindOrphanedClaudeProcesses returns the stream-json CLIs whose host is gone.
func FindOrphanedClaudeProcesses(ctx context.Context) ([]ClaudeProcess, error) {
	all, err := FindClaudeProcesses(ctx)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []ClaudeProcess
	for _, p := range all {
		if p.Orphaned() {
			log.Info("found orphaned Claude process", "pid", p.PID)
			orphans = append(orphans, p)
		}
	}
	return orphans, nil
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// CleanupOrphanedProcesses kills every orphaned stream-json CLI and returns
// how many were killed.
func CleanupOrphanedProcesses(ctx context.Context) (int, error) {
	orphans, err := FindOrphanedClaudeProcesses(ctx)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, p := range orphans {
		log.Info("killing orphaned Claude process", "pid", p.PID)
		if err := KillProcess(p.PID); err != nil {
			log.Error("failed to kill process", "pid", p.PID, "error", err)
			continue
		}
		killed++
	}
	return killed, nil
}
