package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// ProbeAction runs the media tool with -version and prints its output.
func ProbeAction(ctx context.Context, cmd *cli.Command) error {
	tc, err := newToolContext(cmd.String("env"))
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	err = tc.runner.Run(ctx, []string{"-hide_banner", "-version"}, func(line string) {
		fmt.Fprintln(out, line)
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("probe failed: %v", err), 1)
	}
	return nil
}
