// Package run implements the "run" command.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/leptonai/gpuprof/components/gpuperf"
	"github.com/leptonai/gpuprof/pkg/config"
	"github.com/leptonai/gpuprof/pkg/log"
	"github.com/leptonai/gpuprof/pkg/publisher"
	"github.com/leptonai/gpuprof/pkg/remote"
	"github.com/leptonai/gpuprof/pkg/server"
	"github.com/leptonai/gpuprof/pkg/session"
	"github.com/leptonai/gpuprof/pkg/wire"
	"github.com/leptonai/gpuprof/version"
)

const DefaultFrameRate = 60

func Command(cliContext *cli.Context) error {
	cfg, cfgFile, err := loadConfig(cliContext.String("config"))
	if err != nil {
		return err
	}
	if v := cliContext.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := cliContext.String("log-file"); v != "" {
		cfg.LogFile = v
	}
	if v := cliContext.String("publisher-address"); v != "" {
		cfg.PublisherAddress = v
	}
	if v := cliContext.String("control-address"); v != "" {
		cfg.ControlAddress = v
	}
	if v := cliContext.String("debug-address"); v != "" {
		cfg.DebugAddress = v
	}
	cfg.EnableMetrics = append(cfg.EnableMetrics, cliContext.StringSlice("enable")...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	zapLvl, err := log.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLogger(log.CreateLogger(zapLvl, cfg.LogFile))
	if zapLvl.Level() > zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	frameRate := cliContext.Int("frame-rate")
	if frameRate <= 0 {
		return fmt.Errorf("frame-rate must be positive, got %d", frameRate)
	}

	log.Logger.Infof("starting gpuprof %v", version.Version)
	start := time.Now()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// start the signal handler as soon as we can to make sure that
	// we don't miss any signals during boot
	signals := make(chan os.Signal, 2048)
	signal.Notify(signals, handledSignals...)
	done := handleSignals(rootCtx, rootCancel, signals)

	reg := prometheus.NewRegistry()
	if err := registerCollectors(reg); err != nil {
		return err
	}

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Logger.Warnw("failed to close session", "error", err)
		}
	}()
	if err := sess.Start(rootCtx); err != nil {
		return err
	}

	if cfg.DebugAddress != "" {
		srv, err := server.New(cfg.DebugAddress,
			server.WithSessionID(sess.ID()),
			server.WithPublisher(sess.Publisher()),
			server.WithControls(sess.Router()),
			server.WithGatherer(reg),
			server.WithConfig(cfg),
		)
		if err != nil {
			return err
		}
		srv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(ctx); err != nil {
				log.Logger.Warnw("failed to stop debug server", "error", err)
			}
		}()
	}

	if cfgFile != "" {
		updates, err := config.Watch(rootCtx, cfgFile)
		if err != nil {
			log.Logger.Warnw("config reload disabled", "file", cfgFile, "error", err)
		} else {
			go func() {
				for next := range updates {
					log.Logger.Infow("config file changed", "file", cfgFile)
					sess.ApplyConfig(next)
				}
			}()
		}
	}

	if id := cliContext.Uint64("gpu-context"); id != 0 {
		sess.OnContextChanged(id)
	}

	if err := notifyReady(); err != nil {
		log.Logger.Warnw("notify ready failed", "error", err)
	}
	log.Logger.Infow("successfully booted",
		"session", sess.ID(),
		"publisherPort", sess.PublisherPort(),
		"controlPort", sess.ControlPort(),
		"tookSeconds", time.Since(start).Seconds(),
	)

	drive(rootCtx, sess, time.Second/time.Duration(frameRate))
	<-done
	return nil
}

// loadConfig reads file, or the default config file when it exists.
// The returned path is empty when no file was read.
func loadConfig(file string) (*config.Config, string, error) {
	if file == "" {
		def, err := config.DefaultConfigFile()
		if err != nil {
			return nil, "", err
		}
		if _, err := os.Stat(def); errors.Is(err, os.ErrNotExist) {
			return config.DefaultConfig(), "", nil
		}
		file = def
	}

	cfg, err := config.Load(file)
	if err != nil {
		return nil, "", err
	}
	return cfg, file, nil
}

func registerCollectors(reg *prometheus.Registry) error {
	for _, register := range []func(prometheus.Registerer) error{
		publisher.RegisterCollectors,
		gpuperf.RegisterCollectors,
		wire.RegisterCollectors,
		remote.RegisterCollectors,
	} {
		if err := register(reg); err != nil {
			return err
		}
	}
	return reg.Register(collectors.NewGoCollector())
}

// drive stands in for the host's render loop: one buffer swap and one
// draw call per tick.
func drive(ctx context.Context, sess *session.Session, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var flags = sess.OnDrawCall()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if next := sess.OnDrawCall(); next != flags {
			log.Logger.Infow("draw experiments changed", "flags", next)
			flags = next
		}
		sess.OnBufferSwap()
	}
}
