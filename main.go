// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/babelrelay/scheduler/cmd"
	"github.com/babelrelay/scheduler/internal/config"
	"github.com/USA-RedDragon/configulator"
	"github.com/charmbracelet/fang"
)

// Version and Commit are set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := cmd.NewCommand(Version, Commit)

	c := configulator.New[config.Config]()
	if err := c.Command(root); err != nil {
		os.Exit(1)
	}
	root.SetContext(configulator.NewContext(ctx, c))

	if err := fang.Execute(ctx, root,
		fang.WithVersion(Version),
		fang.WithCommit(Commit),
	); err != nil {
		os.Exit(1)
	}
}
