package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/user/nearby-pairing/config"
	"github.com/user/nearby-pairing/logger"
	"github.com/user/nearby-pairing/pairing"
	"github.com/user/nearby-pairing/wire"
)

type pairRun struct {
	peer         string
	message      string
	stayAfterMsg bool
}

func runCommand(load func(*cobra.Command) (config.Config, error)) *cobra.Command {
	r := &pairRun{message: "Hello"}

	cmd := &cobra.Command{
		Use:   "run [flags]",
		Short: "Search for a peer and pair with it",
		Long: `The run subcommand advertises a random pairing name and lists every peer
it discovers. Type a discovered name (or pass --peer) to select it. Once
connected, the side whose name sorts greater sends --message; the other side
prints it and exits. A rejected pairing restarts the search.`,
		SilenceUsage: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			return r.Run(cfg, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&r.peer, "peer", r.peer, "Connect to this pairing name as soon as it is discovered")
	cmd.Flags().StringVar(&r.message, "message", r.message, "Message the sending side delivers once connected")
	cmd.Flags().BoolVar(&r.stayAfterMsg, "stay", r.stayAfterMsg, "Keep running after the message is received")
	return cmd
}

// Run drives one coordinator until a message is received, an error occurs or
// the process is interrupted
func (r *pairRun) Run(cfg config.Config, in io.Reader, out io.Writer) error {
	reg := prometheus.NewRegistry()
	received := make(chan string, 1)

	transport := wire.NewWire(wire.Options{
		DataDir:        cfg.Wire.DataDir,
		RescanInterval: cfg.Wire.RescanInterval,
		DialAttempts:   cfg.Wire.DialAttempts,
		Debug:          cfg.Wire.Debug,
	})
	coord, err := pairing.NewCoordinator(transport, pairing.Options{
		ServiceID:        cfg.Pairing.ServiceID,
		PairingName:      cfg.Pairing.Name,
		DiscoveredReplay: cfg.Pairing.DiscoveredReplay,
		Registerer:       reg,
		OnReceive: func(_ string, payload []byte) {
			select {
			case received <- string(payload):
			default:
			}
		},
		OnNotice: func(n pairing.Notice) {
			if n.Err != nil {
				fmt.Fprintf(out, "! %s failed: %v\n", n.Op, n.Err)
				return
			}
			fmt.Fprintf(out, "! %s: %s\n", n.Op, n.Resolution)
		},
	})
	if err != nil {
		return err
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				defer coord.Close()
				return r.drive(ctx, coord, readLines(in), received, out)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	}
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		g.Add(
			func() error {
				logger.Info("Metrics", "Serving metrics on %s", cfg.Metrics.Addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			},
		)
	}

	return g.Run()
}

func (r *pairRun) drive(ctx context.Context, coord *pairing.Coordinator, lines <-chan string, received <-chan string, out io.Writer) error {
	discovered, stopDiscovered := coord.SubscribeDiscovered()
	defer stopDiscovered()
	status, stopStatus := coord.SubscribeStatus()
	defer stopStatus()

	fmt.Fprintf(out, "Pairing name: %s\n", coord.PairingName())
	coord.Search(ctx)

	sent := false
	connect := func(name string) {
		if err := coord.Connect(ctx, name); err != nil {
			fmt.Fprintf(out, "Cannot connect to %s: %v\n", name, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case name, ok := <-discovered:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "Discovered: %s\n", name)
			if r.peer != "" && name == r.peer {
				connect(name)
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if name := strings.ToUpper(strings.TrimSpace(line)); name != "" {
				connect(name)
			}

		case s, ok := <-status:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "Status: %s\n", s)
			switch s {
			case pairing.StatusConnected:
				peer, _ := coord.SelectedPeer()
				if pairing.ShouldRequestConnection(coord.PairingName(), peer) {
					msg := fmt.Sprintf("%s from %s", r.message, coord.PairingName())
					if err := coord.SendData([]byte(msg)); err != nil {
						fmt.Fprintf(out, "Send failed: %v\n", err)
					} else {
						sent = true
						fmt.Fprintf(out, "Sent: %s\n", msg)
					}
				}
			case pairing.StatusRejected:
				coord.Close()
				coord.Search(ctx)
			case pairing.StatusDisconnected:
				if r.stayAfterMsg {
					continue
				}
				// The peer may hang up right after its message; the payload
				// is already queued even if this status was read first.
				select {
				case msg := <-received:
					fmt.Fprintf(out, "Received: %s\n", msg)
					return nil
				default:
				}
				if sent {
					return nil
				}
				return errors.New("peer disconnected before any message was exchanged")
			}

		case msg := <-received:
			fmt.Fprintf(out, "Received: %s\n", msg)
			if !r.stayAfterMsg {
				return nil
			}
		}
	}
}

// readLines forwards input lines until EOF
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
