package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/qalclaude/qalclaude/claude"
	"github.com/qalclaude/qalclaude/cli"
	"github.com/qalclaude/qalclaude/config"
	"github.com/qalclaude/qalclaude/logger"
	"github.com/qalclaude/qalclaude/paths"
	"github.com/qalclaude/qalclaude/persona"
	"github.com/qalclaude/qalclaude/tui"
)

// launchOverrides are the command-line values that beat both the config
// file and the persona.
type launchOverrides struct {
	Model          *string
	PermissionMode *claude.PermissionMode
	Persona        string
	Cwd            string
}

func overridesFromFlags(cmd *cobra.Command) (launchOverrides, error) {
	o := launchOverrides{Persona: flagPersona, Cwd: flagCwd}
	if cmd.Flags().Changed("model") {
		o.Model = claude.StringPtr(flagModel)
	}
	if cmd.Flags().Changed("permission-mode") {
		mode, err := claude.ParsePermissionMode(flagPermissionMode)
		if err != nil {
			return o, err
		}
		o.PermissionMode = claude.ModePtr(mode)
	}
	return o, nil
}

// loadConfig honors --config, falling back to the default location.
func loadConfig() (*config.Config, error) {
	if flagConfig != "" {
		return config.LoadFrom(flagConfig)
	}
	return config.Load()
}

// loadPersonas returns the registry and the file it was read from.
func loadPersonas() (*persona.Registry, string, error) {
	path, err := paths.PersonasFilePath()
	if err != nil {
		return nil, "", err
	}
	personas, err := persona.Load(path)
	if err != nil {
		return nil, "", err
	}
	return persona.NewRegistry(personas), path, nil
}

// resolveLaunch layers defaults, config, persona and flags into the first
// launch config. It also returns the chosen persona and the extra args that
// persist across persona switches (config extra_args, then args after --).
func resolveLaunch(cfg *config.Config, reg *persona.Registry, o launchOverrides, passthrough []string) (claude.LaunchConfig, persona.Persona, []string, error) {
	name := o.Persona
	if name == "" {
		name = cfg.GetPersona()
	}

	var p persona.Persona
	if name == "" {
		p = reg.First()
	} else {
		var ok bool
		p, ok = reg.Get(name)
		if !ok {
			return claude.LaunchConfig{}, persona.Persona{}, nil,
				fmt.Errorf("unknown persona %q (want one of %s)", name, strings.Join(reg.Names(), ", "))
		}
	}

	base := append(cfg.GetExtraArgs(), passthrough...)
	lc := cfg.LaunchConfig(o.Cwd).Merge(p.LaunchPatch(base...))
	if o.Model != nil {
		lc.Model = *o.Model
	}
	if o.PermissionMode != nil {
		lc.PermissionMode = *o.PermissionMode
	}
	if err := lc.Validate(); err != nil {
		return claude.LaunchConfig{}, persona.Persona{}, nil, err
	}
	return lc, p, base, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	debug := cfg.GetDebug() || flagDebug
	logger.SetDebug(debug)
	log := logger.WithComponent("cmd")

	reg, personasPath, err := loadPersonas()
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	overrides, err := overridesFromFlags(cmd)
	if err != nil {
		return err
	}
	lc, p, base, err := resolveLaunch(cfg, reg, overrides, args)
	if err != nil {
		return err
	}

	if err := cli.ValidateRequired(cli.DefaultPrerequisites(lc.Binary)); err != nil {
		return err
	}

	timeout := cfg.HandshakeTimeout()
	if cmd.Flags().Changed("handshake-timeout") {
		timeout = flagHandshakeTimeout
	}
	opts := []claude.Option{claude.WithHandshakeTimeout(timeout)}

	if debug {
		f, path, err := openStreamLog()
		if err != nil {
			log.Warn("stream log disabled", "error", err)
		} else {
			defer f.Close()
			log.Debug("stream log", "path", path)
			opts = append(opts, claude.WithStreamLog(f))
		}
	}

	ctrl := claude.NewController(lc, opts...)
	defer ctrl.Disconnect()

	log.Info("starting session",
		"persona", p.Name,
		"model", lc.Model,
		"permissionMode", lc.PermissionMode,
		"cwd", lc.WorkingDir)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !isInteractive() {
		return runLineMode(ctx, ctrl, os.Stdin, os.Stdout, os.Stderr)
	}

	m := tui.New(ctx, ctrl, tui.Options{Personas: reg, Persona: p.Name, BaseArgs: base})
	defer m.Close()

	if err := persona.Watch(ctx, personasPath, func(personas []persona.Persona, err error) {
		if err == nil {
			reg.Replace(personas)
		}
	}); err != nil {
		// The personas directory may not exist yet; reload is optional.
		log.Debug("persona hot reload disabled", "error", err)
	}

	if _, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx)).Run(); err != nil {
		return err
	}

	if last := m.Persona(); last != "" && last != cfg.GetPersona() {
		cfg.SetPersona(last)
		if err := cfg.Save(); err != nil {
			log.Warn("failed to save last persona", "error", err)
		}
	}
	return nil
}

// isInteractive reports whether both ends of the session are a terminal.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// openStreamLog creates the raw stream tap for this run.
func openStreamLog() (*os.File, string, error) {
	runID := time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	path, err := logger.StreamLogPath(runID)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}
