package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/l1jgo/replicore/internal/data"
	"github.com/l1jgo/replicore/internal/replication"
)

type hostOptions struct {
	*rootOptions
	Bind      string
	SpawnList string
}

func newHostCommand(root *rootOptions) *cobra.Command {
	opts := &hostOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the authoritative kernel and serve peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Bind, "bind", "", "UDP listen address (default network.bind_address)")
	cmd.Flags().StringVar(&opts.SpawnList, "spawn-list", "", "YAML spawn list (default data.spawn_list)")
	return cmd
}

func runHost(ctx context.Context, opts *hostOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(opts.rootOptions, "host")
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	if err := a.openPersistence(ctx); err != nil {
		return err
	}

	printSection("world")
	spawnPath := opts.SpawnList
	if spawnPath == "" {
		spawnPath = cfg.Data.SpawnList
	}
	if spawnPath != "" {
		list, err := data.LoadSpawnList(spawnPath)
		if err != nil {
			return err
		}
		printStat("entities spawned", a.sim.Spawn(list))
	} else {
		printSkip("no spawn list configured")
	}
	fmt.Println()

	if err := a.openScripting(); err != nil {
		return err
	}

	bind := opts.Bind
	if bind == "" {
		bind = cfg.Network.BindAddress
	}
	if err := a.listen(bind); err != nil {
		return err
	}
	host, err := replication.NewHost(a.k, a.ep, replication.HostOptions{
		Network:  cfg.Network,
		Interest: cfg.Interest,
		Locate:   a.sim.Locate,
	})
	if err != nil {
		return err
	}
	a.onClose(host.Close)
	if err := a.statusEvery(10 * time.Second); err != nil {
		return err
	}

	printSection("ready")
	printReady("listening on " + a.ep.Addr().String())
	if cfg.Interest.Enabled {
		printReady(fmt.Sprintf("interest filter on (enter %.0f, leave %.0f)", cfg.Interest.EnterRadius, cfg.Interest.LeaveRadius))
	}
	a.loop()
	return nil
}
