package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-touch/internal/tracker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newTrackerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "runs the rendezvous tracker",
		Long:  `runs the rendezvous tracker peers register with and exchange connection offers through`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return RunTracker(ctx, opts.cfg.ListenAddr, opts.logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides listen_addr)")
	return cmd
}

// RunTracker serves until ctx is cancelled.
func RunTracker(ctx context.Context, addr string, log logrus.FieldLogger) error {
	srv, err := tracker.NewServer(tracker.Config{Addr: addr, Logger: log})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
