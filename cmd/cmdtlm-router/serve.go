package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/groundsys/cmdtlm-router/pkg/catalog"
	"github.com/groundsys/cmdtlm-router/pkg/handlers"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"github.com/groundsys/cmdtlm-router/pkg/router"
	"github.com/groundsys/cmdtlm-router/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if bridgeEnabled {
		cfg.Bridge.Enabled = true
	}
	if bridgeAddr != "" {
		cfg.Bridge.ListenAddress = bridgeAddr
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	logger.Info("Loaded message catalog",
		zap.String("mission", cat.Mission()),
		zap.String("path", cfg.Catalog.Path),
		zap.Int("topics", len(cat.Topics())))

	m := metrics.New()
	rt, err := router.New(router.Params{
		Catalog:         cat,
		Layout:          layout,
		TargetHost:      cfg.Target.Host,
		UplinkPort:      cfg.Target.UplinkPort,
		DownlinkHost:    cfg.Target.DownlinkHost,
		DownlinkPort:    cfg.Target.DownlinkPort,
		ListenHost:      cfg.Router.ListenHost,
		ReceiveTimeout:  cfg.Router.ReceiveTimeout,
		ShutdownTimeout: cfg.Router.ShutdownTimeout,
		MaxDatagramSize: cfg.Router.MaxDatagramSize,
		MaxCmdSources:   cfg.Router.MaxCmdSources,
		MaxTlmDests:     cfg.Router.MaxTlmDests,
		CmdSourcePorts:  cfg.Router.CmdSourcePorts,
		TlmDestPorts:    cfg.Router.TlmDestPorts,
		Logger:          logger,
		Metrics:         m,
	})
	if err != nil {
		return err
	}

	if cfg.Monitor.Enabled {
		monitorLog := logger.With(zap.String("handler", "SystemMonitor"))
		monitor := handlers.CreateMonitor(handlers.MonitorParams{
			Apps:    cfg.Monitor.Apps,
			Watches: cfg.Monitor.Watches,
			OnValue: func(app string, msg string, field string, value string) {
				monitorLog.Info("System telemetry",
					zap.String("app", app), zap.String("message", msg),
					zap.String("field", field), zap.String("value", value))
			},
			OnEvent: func(text string) {
				monitorLog.Info(text)
			},
			Logger: logger,
		})
		monitor.Attach(rt.Registry(), cat.Topics())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	defer rt.Shutdown()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Bridge.Enabled {
		bridge, err := transport.CreateBridge(rt, transport.BridgeParams{
			ListenAddress:    cfg.Bridge.ListenAddress,
			AllowAllHosts:    cfg.Bridge.AllowAllHosts,
			AllowlistedHosts: cfg.Bridge.AllowlistedHosts,
			DenylistedHosts:  cfg.Bridge.DenylistedHosts,
			Logger:           logger,
			Metrics:          m,
		})
		if err != nil {
			return err
		}
		for _, topic := range cat.Topics() {
			rt.Subscribe(topic, bridge)
		}
		g.Go(func() error {
			return bridge.Start(gctx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-rt.Done():
		}
		logger.Info("Shutting down router")
		rt.Shutdown()
		return nil
	})

	return g.Wait()
}
