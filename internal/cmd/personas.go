package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/qalclaude/qalclaude/persona"
)

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the available personas",
	Long: `List the built-in personas plus any defined in personas.yaml.

The persona marked with * is the one a new session starts with.`,
	Args: cobra.NoArgs,
	RunE: runPersonas,
}

func init() {
	rootCmd.AddCommand(personasCmd)
}

func runPersonas(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	reg, path, err := loadPersonas()
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	current := cfg.GetPersona()
	if _, ok := reg.Get(current); !ok {
		current = reg.First().Name
	}

	printPersonas(cmd.OutOrStdout(), reg.List(), current)
	fmt.Fprintf(cmd.OutOrStdout(), "\nDefinitions: %s\n", path)
	return nil
}

func printPersonas(w io.Writer, personas []persona.Persona, current string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tNAME\tMODE\tDESCRIPTION")
	for _, p := range personas {
		marker := ""
		if p.Name == current {
			marker = "*"
		}
		mode := string(p.PermissionMode)
		if mode == "" {
			mode = "default"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, p.Name, mode, p.Description)
	}
	tw.Flush()
}
