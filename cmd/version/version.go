package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of claude-sandbox, and the default sandbox image.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "version: %s\n", version.Version)
			fmt.Fprintf(stdout, "image:   %s\n", version.SandboxImage)
		},
	}
}
