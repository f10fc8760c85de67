package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/cadence/internal/api"
	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/certs"
	"github.com/zsiec/cadence/internal/player"
	"github.com/zsiec/cadence/internal/session"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	log := a.log
	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(a.cfg.API.CertValidity, a.cfg.API.Hosts...)
	if err != nil {
		return err
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	out := a.newAudio()
	sessions, err := session.NewManager(player.Config{
		Audio:   out,
		Options: a.cfg.PlayerOptions(),
		Live:    a.cfg.LiveOptions(),
		Listener: func(n player.Notification) {
			log.Debug("notification", "state", n.State, "code", n.Code, "message", n.Message)
		},
		Log: log,
	}, log)
	if err != nil {
		return err
	}
	srv, err := api.NewServer(api.Config{
		Addr:     a.cfg.API.Addr,
		Cert:     cert,
		Sessions: sessions,
		Log:      log,
	})
	if err != nil {
		return err
	}

	log.Info("cadence starting",
		"version", version,
		"api", a.cfg.API.Addr,
		"sync", a.cfg.Playback.Sync,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		return audio.NewTickerDevice(out, nil, log).Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return sessions.Close()
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	log.Info("cadence stopped")
	return nil
}
