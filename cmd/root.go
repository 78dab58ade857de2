package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wodexiaobai322/claude-code-sandbox/cmd/attach"
	configCmd "github.com/wodexiaobai322/claude-code-sandbox/cmd/config"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/list"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/serve"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/start"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/stop"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "CLAUDE_SANDBOX_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:   "claude-sandbox",
		Short: "Run Claude Code in a container, and review its changes from the browser.",

		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		attach.New(),
		configCmd.New(),
		list.New(),
		serve.New(),
		start.New(),
		stop.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}
