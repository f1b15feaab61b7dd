package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deeptree/echo-kernel/internal/connection"
	"github.com/deeptree/echo-kernel/internal/dispatch"
)

func newTailCmd(opts *rootOptions) *cobra.Command {
	var (
		verbose       bool
		statsInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect to the echo stream and print every decoded frame",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := opts.logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			dispatcher := dispatch.NewDispatcher(printHandlers(out, verbose), logger)

			mgrCfg := connection.DefaultManagerConfig()
			mgrCfg.WSURL = cfg.Echo.WSURL
			mgrCfg.MaxReconnects = cfg.Session.MaxReconnects
			mgrCfg.ReconnectBaseDelay = cfg.Session.ReconnectBaseDelay

			mgr := connection.NewManager(mgrCfg, dispatcher, logger,
				connection.WithObserver(func(ev connection.Event) {
					fmt.Fprintln(out, formatEvent(ev))
				}),
			)

			if err := mgr.Connect(ctx); err != nil {
				return fmt.Errorf("connect %s: %w", cfg.Echo.WSURL, err)
			}
			logger.Info("streaming started - press Ctrl+C to stop")

			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()

			exhausted := false
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case <-mgr.Exhausted():
					exhausted = true
					break loop
				case <-ticker.C:
					s := mgr.Stats()
					ds := dispatcher.Stats()
					logger.Info("stats",
						"state", s.State,
						"frames", s.Frames,
						"dropped", s.DroppedFrames,
						"routed", ds.Routed,
						"unknown", ds.Unknown,
						"parse_errors", ds.ParseErrors,
						"reconnects", s.ReconnectsScheduled,
					)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			mgr.Stop(shutdownCtx)

			if exhausted {
				return fmt.Errorf("stream %s lost: %w", cfg.Echo.WSURL, connection.ErrExhausted)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print full frame payloads")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", 10*time.Second, "how often to log session stats")
	return cmd
}

// printHandlers writes one line per frame to w.
func printHandlers(w io.Writer, verbose bool) dispatch.Handlers {
	show := func(f dispatch.Frame, label string) {
		info := f.Info()
		if verbose {
			fmt.Fprintf(w, "[%s] %s %s\n", label, info.ReceivedAt.Format(time.RFC3339Nano), info.Data)
			return
		}
		fmt.Fprintf(w, "[%s] %s bytes=%d\n", label, info.ReceivedAt.Format(time.RFC3339Nano), len(info.Data))
	}

	return dispatch.Handlers{
		AgentUpdate: func(ctx context.Context, f dispatch.AgentUpdate) error {
			show(f, "AGENT UPDATE")
			return nil
		},
		ArenaSync: func(ctx context.Context, f dispatch.ArenaSync) error {
			show(f, "ARENA SYNC")
			return nil
		},
		RelationGraph: func(ctx context.Context, f dispatch.RelationGraph) error {
			show(f, "RELATION GRAPH")
			return nil
		},
		Unknown: func(ctx context.Context, f dispatch.Unknown) error {
			show(f, "UNKNOWN "+f.Type)
			return nil
		},
	}
}

func formatEvent(ev connection.Event) string {
	switch ev.Kind {
	case connection.EventReconnectScheduled:
		return fmt.Sprintf("-- %s attempt=%d delay=%s", ev.Kind, ev.Attempt, ev.Delay)
	case connection.EventOpened:
		return fmt.Sprintf("-- %s session=%s", ev.Kind, ev.Session)
	default:
		if ev.Err != nil {
			return fmt.Sprintf("-- %s: %v", ev.Kind, ev.Err)
		}
		return fmt.Sprintf("-- %s", ev.Kind)
	}
}
