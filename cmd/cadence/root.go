package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsiec/cadence/internal/audio"
	"github.com/zsiec/cadence/internal/config"
	"github.com/zsiec/cadence/internal/logging"
)

// app is the state shared by the subcommands once the root has loaded the
// configuration.
type app struct {
	cfgFile string
	cfg     config.Config
	log     *slog.Logger
	logFile io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "cadence",
		Short:         "Audio-clocked media player for files and live streams",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.logFile != nil {
				return a.logFile.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file path")
	root.AddCommand(newServeCmd(a), newPlayCmd(a), newSRTServeCmd(a))
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		w, err := logging.Open(cfg.Log.File, int64(cfg.Log.MaxSizeMB)<<20, nil)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		a.logFile = w
		out = w
	}
	a.log = logging.New(out, cfg.LogLevel())
	slog.SetDefault(a.log)
	return nil
}

// newAudio builds the shared output from the audio section.
func (a *app) newAudio() *audio.Manager {
	m := audio.NewManager(a.cfg.AudioFormat(), a.log)
	m.SetVolume(a.cfg.Audio.Volume)
	if a.cfg.Audio.Device != "" {
		m.SetDevice(a.cfg.Audio.Device)
	}
	return m
}
