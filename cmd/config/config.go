package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/config"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout               io.Writer = os.Stdout
	parseSandboxConfig             = config.ParseSandbox
	writeSandboxConfig             = config.WriteSandbox
	sandboxConfigExists            = config.SandboxConfigExists
	getSandboxConfigPath           = config.GetSandboxConfigPath
)

// New creates a new `config` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create the sandbox configuration if it doesn't exist, and print its path",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}

	// Setup the commands for querying the contents of the config.
	type getterSpec struct {
		use, short string
		fn         func(config.Sandbox) string
	}

	getters := []getterSpec{
		{
			use:   "get-image",
			short: "Get the image sandboxes are created from",
			fn:    func(cfg config.Sandbox) string { return cfg.DockerImage },
		},
		{
			use:   "get-port",
			short: "Get the port the web UI is served on",
			fn:    func(cfg config.Sandbox) string { return strconv.Itoa(cfg.WebPort) },
		},
		{
			use:   "get-shadow-root",
			short: "Get the directory the shadow repositories are kept in",
			fn:    func(cfg config.Sandbox) string { return cfg.ShadowRoot },
		},
		{
			use:   "get-setup-commands",
			short: "Get the commands run when a sandbox starts",
			fn:    func(cfg config.Sandbox) string { return strings.Join(cfg.SetupCommands, "\n") },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseSandboxConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig writes the default config unless a config already exists.
func SetupConfig() error {
	path, err := getSandboxConfigPath()
	if err != nil {
		return errors.WithContext(err, "get config path")
	}

	exists, err := sandboxConfigExists()
	if err != nil {
		return errors.WithContext(err, "check for existing config")
	}

	if exists {
		// Parse it so that a broken config is reported now, rather than
		// when a sandbox is started.
		if _, err := parseSandboxConfig(); err != nil {
			return errors.WithContext(err, "parse existing config")
		}
		fmt.Fprintf(stdout, "Config already exists at %s\n", path)
		return nil
	}

	if err := writeSandboxConfig(config.DefaultSandbox()); err != nil {
		return errors.WithContext(err, "write config")
	}
	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}
