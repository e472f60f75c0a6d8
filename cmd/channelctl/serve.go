package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"
	"time"

	"channelctl/internal/controller"
	"channelctl/internal/observability/logging"
	"channelctl/internal/server"

	"golang.org/x/sync/errgroup"
)

func cmdServe(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("serve")
	addr := fs.String("addr", "", "admin HTTP listen address")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	refresh := fs.Duration("refresh-interval", 0, "interval between statistics reloads (0 uses the configured value)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(a.stderr, "usage: channelctl serve [-addr host:port] [-refresh-interval d]")
		return errUsage
	}

	ctrl, err := a.controller(ctx)
	if err != nil {
		return err
	}
	interval := a.cfg.Admin.RefreshInterval
	if *refresh > 0 {
		interval = *refresh
	}

	srv, err := server.New(ctrl, server.Config{
		Addr:            firstNonEmpty(*addr, a.cfg.Admin.Addr),
		TLS:             server.TLSConfig{CertFile: *tlsCert, KeyFile: *tlsKey},
		ServerID:        a.cfg.ServerID,
		ShutdownTimeout: a.cfg.Admin.ShutdownTimeout,
		Logger:          logging.WithComponent(a.logger, "server"),
		Metrics:         a.metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx, func(listen net.Addr) {
			a.logger.Info("admin server listening", "addr", listen.String(), "server_id", a.cfg.ServerID)
		})
	})
	group.Go(func() error {
		refreshStatistics(groupCtx, ctrl, a.cfg.ServerID, interval, logging.WithComponent(a.logger, "refresher"))
		return nil
	})

	err = group.Wait()
	a.logger.Info("admin server stopped")
	return err
}

// refreshStatistics reloads the statistics once immediately and then on every
// tick until ctx is done. A non-positive interval disables the ticker.
// Failures are logged; the previous snapshot stays in place.
func refreshStatistics(ctx context.Context, ctrl controller.Controller, serverID string, interval time.Duration, logger *slog.Logger) {
	reload := func() {
		if err := ctrl.ReloadStatistics(ctx, serverID); err != nil && ctx.Err() == nil {
			logger.Warn("reload statistics", "server_id", serverID, "error", err)
		}
	}

	reload()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reload()
		}
	}
}
