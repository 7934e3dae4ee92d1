package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/nearby-pairing/config"
	"github.com/user/nearby-pairing/pairing"
	"github.com/user/nearby-pairing/wire"
)

func demoCommand(load func(*cobra.Command) (config.Config, error)) *cobra.Command {
	timeout := 10 * time.Second

	cmd := &cobra.Command{
		Use:   "demo [flags]",
		Short: "Pair two in-process devices and show who initiates",
		Long: `The demo subcommand starts two coordinators in this process over the socket
transport. Both select each other as soon as they are discovered; only the
device whose pairing name sorts greater sends the connection request.`,
		SilenceUsage: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			dir, err := os.MkdirTemp("/tmp", "npd-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			cfg.Wire.DataDir = dir

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return runDemo(ctx, cfg, os.Stdout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "Give up if pairing takes longer")
	return cmd
}

type demoDevice struct {
	coord    *pairing.Coordinator
	received chan string
}

func newDemoDevice(cfg config.Config) (*demoDevice, error) {
	d := &demoDevice{received: make(chan string, 1)}
	transport := wire.NewWire(wire.Options{
		DataDir:        cfg.Wire.DataDir,
		RescanInterval: cfg.Wire.RescanInterval,
		DialAttempts:   cfg.Wire.DialAttempts,
		Debug:          cfg.Wire.Debug,
	})
	coord, err := pairing.NewCoordinator(transport, pairing.Options{
		ServiceID:        cfg.Pairing.ServiceID,
		DiscoveredReplay: cfg.Pairing.DiscoveredReplay,
		OnReceive: func(_ string, payload []byte) {
			select {
			case d.received <- string(payload):
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}
	d.coord = coord
	return d, nil
}

func runDemo(ctx context.Context, cfg config.Config, out io.Writer) error {
	fmt.Fprintln(out, "=== Pairing Arbitration Demo ===")
	fmt.Fprintln(out)

	var devices [2]*demoDevice
	for i := range devices {
		d, err := newDemoDevice(cfg)
		if err != nil {
			return err
		}
		defer d.coord.Close()
		devices[i] = d
	}
	// Regenerate until the names differ; equal names never pair
	for devices[0].coord.PairingName() == devices[1].coord.PairingName() {
		devices[1].coord.Close()
		d, err := newDemoDevice(cfg)
		if err != nil {
			return err
		}
		defer d.coord.Close()
		devices[1] = d
	}

	a, b := devices[0].coord, devices[1].coord
	fmt.Fprintf(out, "Devices: %s and %s\n", a.PairingName(), b.PairingName())
	fmt.Fprintf(out, "  %s should request: %v\n", a.PairingName(), pairing.ShouldRequestConnection(a.PairingName(), b.PairingName()))
	fmt.Fprintf(out, "  %s should request: %v\n", b.PairingName(), pairing.ShouldRequestConnection(b.PairingName(), a.PairingName()))
	fmt.Fprintln(out)

	for _, d := range devices {
		d.coord.Search(ctx)
	}
	for i, d := range devices {
		other := devices[1-i].coord.PairingName()
		if err := waitForPeer(ctx, d.coord, other); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s discovered %s\n", d.coord.PairingName(), other)
	}

	for i, d := range devices {
		if err := d.coord.Connect(ctx, devices[1-i].coord.PairingName()); err != nil {
			return err
		}
	}
	for _, d := range devices {
		if err := waitForConnected(ctx, d.coord); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s is %s\n", d.coord.PairingName(), d.coord.Status())
	}

	sender, receiver := devices[0], devices[1]
	if !pairing.ShouldRequestConnection(a.PairingName(), b.PairingName()) {
		sender, receiver = receiver, sender
	}
	msg := "Hello from " + sender.coord.PairingName()
	if err := sender.coord.SendData([]byte(msg)); err != nil {
		return err
	}

	select {
	case got := <-receiver.received:
		fmt.Fprintf(out, "%s received %q\n", receiver.coord.PairingName(), got)
	case <-ctx.Done():
		return fmt.Errorf("waiting for message: %w", ctx.Err())
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✅ Only one side requested the connection")
	return nil
}

func waitForPeer(ctx context.Context, c *pairing.Coordinator, name string) error {
	ch, cancel := c.SubscribeDiscovered()
	defer cancel()
	for {
		select {
		case got := <-ch:
			if got == name {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("%s waiting for %s: %w", c.PairingName(), name, ctx.Err())
		}
	}
}

func waitForConnected(ctx context.Context, c *pairing.Coordinator) error {
	ch, cancel := c.SubscribeStatus()
	defer cancel()
	for {
		select {
		case s := <-ch:
			switch s {
			case pairing.StatusConnected:
				return nil
			case pairing.StatusRejected, pairing.StatusDisconnected:
				return fmt.Errorf("%s ended as %s", c.PairingName(), s)
			}
		case <-ctx.Done():
			return fmt.Errorf("%s waiting for connection: %w", c.PairingName(), ctx.Err())
		}
	}
}
