package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"cropsteer/engine"
	"cropsteer/engine/api"
	"cropsteer/engine/bridge"
)

const shutdownGrace = 30 * time.Second

func newRunCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the controller daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), root)
		},
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildBridge constructs the host adapter named by the config. A hass bridge
// is pinged before use so a dead host fails the boot instead of the first
// irrigation.
func buildBridge(params engine.Params, log *zap.Logger) (bridge.Bridge, error) {
	var raw bridge.Bridge
	switch params.Bridge.Kind {
	case "hass":
		h, err := bridge.NewHASS(bridge.HASSOptions{
			BaseURL:      params.Bridge.URL,
			Token:        params.Bridge.Token,
			PollInterval: params.Bridge.PollInterval(),
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			_ = h.Close()
			return nil, &exitError{code: exitHostBridge, err: fmt.Errorf("host bridge unreachable: %w", err)}
		}
		raw = h
	default:
		raw = bridge.NewMemory()
	}
	return bridge.NewBuffered(raw, bridge.BufferedOptions{
		MaxAttempts: params.WriteMaxAttempts,
		Logger:      log,
	}), nil
}

func runDaemon(ctx context.Context, root *rootOptions) error {
	fs := afero.NewOsFs()
	params, err := engine.LoadParams(fs, root.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", root.configPath, err)
	}

	log, err := buildLogger(root.debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync failure is not actionable

	br, err := buildBridge(params, log)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Params:     params,
		Bridge:     br,
		Logger:     log,
		Clock:      clock.RealClock{},
		FS:         fs,
		ConfigPath: root.configPath,
	})
	if err != nil {
		_ = br.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		_ = br.Close()
		return err
	}

	srv, err := api.New(api.Options{Addr: params.Listen, Engine: eng, Logger: log})
	if err != nil {
		return err
	}
	apiErr := make(chan error, 1)
	go func() { apiErr <- srv.Start() }()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log.Info("cropsteerd up",
		zap.String("version", version),
		zap.String("listen", params.Listen),
		zap.String("bridge", params.Bridge.Kind),
		zap.Int("zones", len(params.Zones)))

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-apiErr:
			if err != nil {
				runErr = fmt.Errorf("api server: %w", err)
			}
			break loop
		case <-hup:
			if err := eng.ReloadConfig(); err != nil {
				log.Warn("config reload failed", zap.Error(err))
			}
		}
	}

	log.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := eng.Stop(shCtx); err != nil {
		log.Warn("engine stop", zap.Error(err))
	}
	if err := br.Close(); err != nil {
		log.Warn("bridge close", zap.Error(err))
	}
	return runErr
}
