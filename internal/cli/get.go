package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"conebeam/internal/file"
	"conebeam/internal/job"
	"conebeam/internal/poller"
)

var (
	outPath      string
	pollInterval time.Duration
	fetchTimeout time.Duration
)

var getCmd = &cobra.Command{
	Use:   "get <orderId>",
	Short: "Fetch the cone-beam archive of an order",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default {orderId}-conebeam.zip)")
	getCmd.Flags().DurationVar(&pollInterval, "interval", time.Second, "Job polling interval")
	getCmd.Flags().DurationVar(&fetchTimeout, "timeout", 10*time.Minute, "Give up after this long")
}

func runGet(cmd *cobra.Command, args []string) error {
	orderID := args[0]
	out := outPath
	if out == "" {
		out = orderID + "-conebeam.zip"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	lastProgress := -1
	p := poller.New(poller.Options{
		Server:   serverURL,
		Interval: pollInterval,
		OnProgress: func(state job.Job) {
			if state.Progress == lastProgress {
				return
			}
			lastProgress = state.Progress
			log.Info().Str("job_id", state.ID).Str("status", string(state.Status)).Int("progress", state.Progress).Msg("archive job")
		},
	})

	data, err := p.Fetch(ctx, orderID)
	if err != nil {
		return fmt.Errorf("fetch archive for order %s: %w", orderID, err)
	}
	if err := file.WriteAtomic(out, data); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	log.Info().Str("order_id", orderID).Str("path", out).Int("bytes", len(data)).Msg("archive saved")
	return nil
}
