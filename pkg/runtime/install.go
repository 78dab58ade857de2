package runtime

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/strategy"
)

// PackageManagers are the install commands tried, in order, when a tool is
// missing from a container.
var PackageManagers = []struct {
	Name    string
	Command string
}{
	{"apt-get", "apt-get update && apt-get install -y %s"},
	{"apk", "apk add --no-cache %s"},
	{"yum", "yum install -y %s"},
	{"dnf", "dnf install -y %s"},
}

// HasBinary returns whether `binary` is on the container's PATH.
func HasBinary(ctx context.Context, rt Runtime, id, binary string) bool {
	_, err := rt.Exec(ctx, id, ExecOptions{Cmd: []string{"which", binary}})
	return err == nil
}

// EnsureBinary makes sure `binary` is available in the container, installing
// `pkg` with the first package manager that works if it's missing. Each
// package manager is tried as root, then with sudo, then as the container's
// default user.
func EnsureBinary(ctx context.Context, log logrus.FieldLogger, rt Runtime, id, binary, pkg string) error {
	if HasBinary(ctx, rt, id, binary) {
		return nil
	}

	log.WithField("package", pkg).Info("Installing missing package in container")

	var strategies []strategy.Strategy
	for _, pm := range PackageManagers {
		installCmd := fmt.Sprintf(pm.Command, pkg)
		variants := []struct {
			suffix string
			opts   ExecOptions
		}{
			{"root", ExecOptions{User: "root", Cmd: []string{"sh", "-c", installCmd}}},
			{"sudo", ExecOptions{Cmd: []string{"sudo", "sh", "-c", installCmd}}},
			{"user", ExecOptions{Cmd: []string{"sh", "-c", installCmd}}},
		}

		for _, v := range variants {
			opts := v.opts
			strategies = append(strategies, strategy.Strategy{
				Name: pm.Name + "/" + v.suffix,
				Attempt: func(ctx context.Context) error {
					if _, err := rt.Exec(ctx, id, opts); err != nil {
						return err
					}
					if !HasBinary(ctx, rt, id, binary) {
						return errors.New("%s still missing after install", binary)
					}
					return nil
				},
			})
		}
	}

	winner, err := strategy.First(ctx, log, strategies)
	if err != nil {
		return err
	}
	log.WithField("package", pkg).WithField("via", winner).Info("Installed package in container")
	return nil
}
