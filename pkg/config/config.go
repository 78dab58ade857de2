package config

import (
	"fmt"
	"os"
	"path"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

// fs is swapped for an afero.NewMemMapFs() by tests.
var fs = afero.NewOsFs()

// malformedConfigTemplate is shown when the YAML can't be decoded. The
// decoder's errors don't point at the offending line, so the raw message is
// shown alongside the usual causes.
const malformedConfigTemplate = "The sandbox config at %q could not be parsed.\n" +
	"Check that every field has the right type, and that there are no " +
	"fields this version of claude-sandbox doesn't know about.\n\n" +
	"Parser error: %s"

// versioned is a config file with a schema version and its own validation.
type versioned interface {
	getVersion() string
	validate() error
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The sandbox config at %q has version %q, but this "+
		"version of claude-sandbox only understands %q.",
		err.path, err.actual, err.exp)
}

type invalidFieldError struct {
	field, reason string
}

func (err invalidFieldError) Error() string {
	return err.FriendlyMessage()
}

func (err invalidFieldError) FriendlyMessage() string {
	return fmt.Sprintf("Invalid value for %q: %s.", err.field, err.reason)
}

// decode reads the config at `path` on top of the values already in `cfg`.
// The version is checked with a lenient decode before the strict one, so an
// old file reports its version rather than whichever field was renamed.
func decode(path string, cfg versioned, expVersion string) error {
	raw, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
		return errors.FileNotFound{Path: path}
	case err != nil:
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errors.NewFriendlyError(malformedConfigTemplate, path, err)
	}

	if actual := cfg.getVersion(); actual != expVersion {
		return incompatibleVersionError{path, expVersion, actual}
	}

	if err := yaml.UnmarshalStrict(raw, cfg, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(malformedConfigTemplate, path, err)
	}
	return cfg.validate()
}

func (s Sandbox) validate() error {
	switch {
	case s.DockerImage == "":
		return errors.MissingFieldError{Field: "dockerImage"}
	case s.ContainerPrefix == "":
		return errors.MissingFieldError{Field: "containerPrefix"}
	case len(s.SessionCommand) == 0:
		return errors.MissingFieldError{Field: "sessionCommand"}
	case !path.IsAbs(s.WorkspacePath):
		return invalidFieldError{"workspacePath", "must be an absolute path inside the container"}
	case s.WebPort < 0 || s.WebPort > 65535:
		return invalidFieldError{"webPort", "must be between 0 and 65535"}
	case s.HistoryBytes <= 0:
		return invalidFieldError{"historyBytes", "must be positive"}
	case s.SyncDebounceMillis < 0:
		return invalidFieldError{"syncDebounceMillis", "must not be negative"}
	case s.SyncTimeoutSeconds <= 0:
		return invalidFieldError{"syncTimeoutSeconds", "must be positive"}
	}
	return nil
}
