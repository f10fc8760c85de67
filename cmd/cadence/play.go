package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/live"
	"github.com/zsiec/cadence/internal/player"
)

type playFlags struct {
	start  int64
	paused bool
	loop   bool
	mute   bool
	pcm    string
	every  time.Duration
}

func newPlayCmd(a *app) *cobra.Command {
	var f playFlags
	cmd := &cobra.Command{
		Use:   "play <url>",
		Short: "Play one file or live stream until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.play(ctx, args[0], f)
		},
	}
	cmd.Flags().Int64Var(&f.start, "start", 0, "start position in milliseconds")
	cmd.Flags().BoolVar(&f.paused, "paused", false, "open paused")
	cmd.Flags().BoolVar(&f.loop, "loop", false, "restart at the end of the file")
	cmd.Flags().BoolVar(&f.mute, "mute", false, "silence audio output")
	cmd.Flags().StringVar(&f.pcm, "pcm", "", "write s16le output to this file, - for stdout")
	cmd.Flags().DurationVar(&f.every, "stats", 5*time.Second, "statistics log interval, 0 to disable")
	return cmd
}

// errPlayback carries the code of the notification that ended playback.
type errPlayback struct {
	n player.Notification
}

func (e *errPlayback) Error() string {
	return fmt.Sprintf("playback failed: %s (code %d)", e.n.Message, e.n.Code)
}

func (a *app) play(ctx context.Context, url string, f playFlags) error {
	log := a.log.With("url", url)

	var pcm io.Writer
	switch f.pcm {
	case "":
	case "-":
		pcm = os.Stdout
	default:
		file, err := os.Create(f.pcm)
		if err != nil {
			return fmt.Errorf("create pcm output: %w", err)
		}
		defer file.Close()
		pcm = file
	}

	// Live pull errors are retried by the player, so only files end on error.
	isLive := live.IsLive(url)
	out := a.newAudio()
	ended := make(chan player.Notification, 1)
	opts := a.cfg.PlayerOptions()
	opts.Loop = opts.Loop || f.loop
	p, err := player.New(player.Config{
		Audio:   out,
		Options: opts,
		Live:    a.cfg.LiveOptions(),
		Listener: func(n player.Notification) {
			log.Info("state", "state", n.State, "code", n.Code, "message", n.Message)
			if n.State == player.Finished || (n.State == player.Error && !isLive) {
				select {
				case ended <- n:
				default:
				}
			}
		},
		OnSyncTS: func(ts uint64) {
			log.Debug("sync", "ts", ts)
		},
		Log: a.log,
	})
	if err != nil {
		return err
	}
	p.SetMute(f.mute)

	if err := p.Start(ctx, url, f.start, f.paused); err != nil {
		return fmt.Errorf("start (result %d): %w", player.ResultCode(err), err)
	}
	defer func() { _ = p.Stop() }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return audio.NewTickerDevice(out, pcm, a.log).Run(ctx)
	})
	g.Go(func() error {
		return a.report(ctx, p, f.every)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case n := <-ended:
			if n.State == player.Error {
				return &errPlayback{n: n}
			}
			log.Info("playback finished", "positionMs", p.PositionMS())
			return errFinished
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errFinished) {
		return err
	}
	return nil
}

var errFinished = errors.New("finished")

// report logs position and statistics every interval.
func (a *app) report(ctx context.Context, p *player.Player, every time.Duration) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		s := p.Stats()
		a.log.Info("stats",
			"positionMs", p.PositionMS(),
			"durationMs", p.DurationMS(),
			"state", p.State(),
			"renderFps", s.RenderFPS,
			"decodeFps", s.DecodeFPS,
			"lateDrops", s.LateDrops,
			"cacheMs", s.CacheMs,
		)
	}
}
