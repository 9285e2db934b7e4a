// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/babelrelay/scheduler/internal/config"
	"github.com/babelrelay/scheduler/internal/pubsub"
	"github.com/babelrelay/scheduler/internal/store"
	"github.com/spf13/cobra"
)

// newStatusCommand builds the "status" subcommand: a one-shot health
// check against the configured store and pubsub backends, rendered the
// way the teacher's CLI renders its own status output.
func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Check connectivity to the configured store and pubsub backends",
		SilenceUsage: true,
		RunE:         runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	const pingTimeout = 5 * time.Second
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	fmt.Println(titleStyle.Render("scheduler status"))

	lines := []string{
		statusLine("Instance ID", orUnset(cfg.InstanceID)),
		statusLine("Store backend", string(cfg.Store.Backend)),
		statusLine("WS bind", fmt.Sprintf("%s:%d", cfg.WS.Bind, cfg.WS.Port)),
	}
	lines = append(lines, statusLine("Store", checkStore(pingCtx, cfg)))
	lines = append(lines, statusLine("Pub/Sub", checkPubSub(pingCtx, cfg)))

	body := ""
	for _, l := range lines {
		body += l + "\n"
	}
	fmt.Println(boxStyle.Render(body))
	return nil
}

func checkStore(ctx context.Context, cfg *config.Config) string {
	st, err := store.New(ctx, cfg)
	if err != nil {
		return errorStyle.Render("unreachable: " + err.Error())
	}
	defer func() { _ = st.Close() }()

	if err := st.Ping(ctx); err != nil {
		return errorStyle.Render("unreachable: " + err.Error())
	}
	return successStyle.Render("reachable")
}

func checkPubSub(ctx context.Context, cfg *config.Config) string {
	ps, err := pubsub.New(ctx, cfg)
	if err != nil {
		return errorStyle.Render("unreachable: " + err.Error())
	}
	defer func() { _ = ps.Close() }()

	if err := ps.Publish(ctx, pubsub.ModelUnavailableTopic, nil); err != nil {
		return errorStyle.Render("unreachable: " + err.Error())
	}
	return successStyle.Render("reachable")
}

func orUnset(s string) string {
	if s == "" {
		return "(generated at startup)"
	}
	return s
}
