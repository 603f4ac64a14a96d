// Package paths resolves the directories qalclaude keeps its files in.
//
// Two layouts are supported:
//
//   - Flat: everything under ~/.qalclaude/ (config.json, personas.yaml, logs/)
//   - XDG: config and personas under XDG_CONFIG_HOME/qalclaude, logs under
//     XDG_STATE_HOME/qalclaude, anything persistent under XDG_DATA_HOME/qalclaude
//
// An existing ~/.qalclaude/ always wins. Otherwise the XDG layout is used as
// soon as any XDG_* variable is set, and a fresh install with no XDG
// variables falls back to the flat layout.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const appDirName = "qalclaude"

var (
	mu     sync.Mutex
	cached *layout
)

type layout struct {
	config string
	data   string
	state  string
	flat   bool
}

func flatLayout(dir string) *layout {
	return &layout{config: dir, data: dir, state: dir, flat: true}
}

// resolve computes the layout on first use and caches it until Reset.
func resolve() (*layout, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	flatDir := filepath.Join(home, "."+appDirName)
	if info, err := os.Stat(flatDir); err == nil && info.IsDir() {
		cached = flatLayout(flatDir)
		return cached, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		cached = flatLayout(flatDir)
		return cached, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	cached = &layout{
		config: filepath.Join(xdgConfig, appDirName),
		data:   filepath.Join(xdgData, appDirName),
		state:  filepath.Join(xdgState, appDirName),
	}
	return cached, nil
}

// ConfigDir returns the directory holding config.json and personas.yaml.
func ConfigDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.config, nil
}

// DataDir returns the directory for persistent data.
func DataDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.data, nil
}

// StateDir returns the directory for transient state such as logs.
func StateDir() (string, error) {
	l, err := resolve()
	if err != nil {
		return "", err
	}
	return l.state, nil
}

// ConfigFilePath returns the full path to config.json.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// PersonasFilePath returns the full path to personas.yaml.
func PersonasFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "personas.yaml"), nil
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// IsLegacyLayout reports whether the flat ~/.qalclaude/ layout is in use.
func IsLegacyLayout() bool {
	l, err := resolve()
	if err != nil {
		return true
	}
	return l.flat
}

// Reset clears the cached layout. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = nil
}
