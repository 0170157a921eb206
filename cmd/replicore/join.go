package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/l1jgo/replicore/internal/replication"
)

type joinOptions struct {
	*rootOptions
	Bind string
}

func newJoinCommand(root *rootOptions) *cobra.Command {
	opts := &joinOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "join [host:port]",
		Short: "Connect to a host and mirror its replicated state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ""
			if len(args) == 1 {
				addr = args[0]
			}
			return runJoin(cmd.Context(), opts, addr)
		},
	}
	cmd.Flags().StringVar(&opts.Bind, "bind", "0.0.0.0:0", "local UDP address")
	return cmd
}

func runJoin(ctx context.Context, opts *joinOptions, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(opts.rootOptions, "join")
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	if addr == "" {
		addr = cfg.Network.HostAddress
	}
	hostAddr, err := resolve(addr)
	if err != nil {
		return err
	}

	if err := a.openPersistence(ctx); err != nil {
		return err
	}
	if err := a.openScripting(); err != nil {
		return err
	}
	if err := a.listen(opts.Bind); err != nil {
		return err
	}
	client, err := replication.NewClient(a.k, a.ep, replication.ClientOptions{
		Network: cfg.Network,
		Host:    hostAddr,
	})
	if err != nil {
		return err
	}
	a.onClose(client.Close)
	if err := a.statusEvery(10 * time.Second); err != nil {
		return err
	}

	printSection("ready")
	printReady(fmt.Sprintf("joining %s from %s", hostAddr, a.ep.Addr()))
	a.loop()
	return nil
}

// resolve accepts a literal address or a host name.
func resolve(addr string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap, nil
	}
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve host %q: %w", addr, err)
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
