package main

import (
	"fmt"
	"runtime"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Set with -ldflags at build time.
var (
	ReleaseVersion = "v0.1.0"
	GitHash        = "None"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(ReleaseVersion)
			if err != nil {
				return err
			}
			fmt.Printf("Release Version: %s\n", v)
			fmt.Printf("Git Commit Hash: %s\n", GitHash)
			fmt.Printf("Go Version: %s\n", runtime.Version())
			return nil
		},
	}
}

func parseVersion(v string) (*semver.Version, error) {
	if len(v) > 0 && v[0] == 'v' {
		v = v[1:]
	}
	ver, err := semver.NewVersion(v)
	return ver, errors.WithStack(err)
}
