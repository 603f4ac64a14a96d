// qalclaude is a terminal front end for the Claude CLI.
package main

import (
	"os"

	"github.com/qalclaude/qalclaude/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
