// Package cli checks for the external tools qalclaude shells out to.
package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/qalclaude/qalclaude/claude"
)

// versionTimeout bounds each version probe.
const versionTimeout = 5 * time.Second

// maxVersionLen caps the version string shown by doctor.
const maxVersionLen = 100

// Prerequisite is an external executable.
type Prerequisite struct {
	Name        string // Display name (e.g., "claude")
	Command     string // Executable to look up; defaults to Name
	Required    bool   // Whether a session can start without it
	Description string
	InstallURL  string
}

func (p Prerequisite) command() string {
	if p.Command != "" {
		return p.Command
	}
	return p.Name
}

// DefaultPrerequisites returns the tools qalclaude checks. binary is the
// configured assistant executable; empty means claude.DefaultBinary.
func DefaultPrerequisites(binary string) []Prerequisite {
	if binary == "" {
		binary = claude.DefaultBinary
	}
	return []Prerequisite{
		{
			Name:        "claude",
			Command:     binary,
			Required:    true,
			Description: "Claude CLI",
			InstallURL:  "https://docs.anthropic.com/en/docs/claude-code/setup",
		},
		{
			Name:        "git",
			Required:    false, // the assistant works better inside a repo but doesn't need one
			Description: "Git version control (optional)",
			InstallURL:  "https://git-scm.com/downloads",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // First line of --version output, if any
	Error        error
}

// Check looks the prerequisite up on PATH and probes its version.
func Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.command())
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH: %w", prereq.command(), err)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = probeVersion(ctx, path)
	return result
}

// CheckAll checks every prerequisite in order.
func CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(ctx, prereq)
	}
	return results
}

// ValidateRequired returns an error naming every required prerequisite
// that is missing, or nil. It skips the version probe.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if _, err := exec.LookPath(prereq.command()); err != nil {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.command(), prereq.Description, prereq.InstallURL))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// probeVersion runs the tool with --version and returns the first line of
// output, or "" if it fails or times out.
func probeVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	if len(version) > maxVersionLen {
		version = version[:maxVersionLen] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		switch {
		case r.Found && r.Version != "":
			fmt.Fprintf(&sb, " (%s)", r.Version)
		case !r.Found && r.Prerequisite.Required:
			fmt.Fprintf(&sb, " [REQUIRED] install: %s", r.Prerequisite.InstallURL)
		case !r.Found:
			sb.WriteString(" [optional]")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
