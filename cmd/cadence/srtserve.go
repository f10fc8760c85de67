package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/cadence/internal/demux"
	"github.com/zsiec/cadence/internal/live"
	"github.com/zsiec/cadence/internal/source"
)

func newSRTServeCmd(a *app) *cobra.Command {
	var (
		addr    string
		latency time.Duration
	)
	cmd := &cobra.Command{
		Use:   "srt-serve <file.ts>",
		Short: "Loop a TS file to SRT callers in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.srtServe(ctx, args[0], addr, latency)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":6000", "SRT listen address")
	cmd.Flags().DurationVar(&latency, "latency", live.DefaultSRTLatency, "SRT latency")
	return cmd
}

func (a *app) srtServe(ctx context.Context, path, addr string, latency time.Duration) error {
	duration, err := probeDuration(ctx, path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	a.log.Info("serving file", "path", path, "duration", duration, "bytes", len(data))
	srv, err := live.NewFileServer(addr, data, duration, latency, a.log)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// probeDuration reads the playing time of a TS file from its timestamps.
func probeDuration(ctx context.Context, path string) (time.Duration, error) {
	src, err := source.OpenFile(path)
	if err != nil {
		return 0, err
	}
	d, err := demux.Open(ctx, src, demux.Options{NoCaptions: true})
	if err != nil {
		src.Close()
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}
	defer d.Close()
	return d.Duration(), nil
}
