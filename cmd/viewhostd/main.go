// Command viewhostd runs one view host: it watches a PDS authority's
// app.avaast.* records, resolves and activates deploys, and serves the
// resulting XRPC endpoints over HTTP (spec.md §1, §2).
//
// Usage:
//
//	viewhostd -authority did:plc:alice -admin-token s3cret
//	viewhostd -authority did:plc:alice -admin-token s3cret -in-memory
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chris-pardy/avaast/internal/authz"
	"github.com/chris-pardy/avaast/internal/cache"
	"github.com/chris-pardy/avaast/internal/config"
	"github.com/chris-pardy/avaast/internal/controller"
	"github.com/chris-pardy/avaast/internal/deploy"
	"github.com/chris-pardy/avaast/internal/gateway"
	"github.com/chris-pardy/avaast/internal/logx"
	"github.com/chris-pardy/avaast/internal/manifest"
	"github.com/chris-pardy/avaast/internal/pds"
	"github.com/chris-pardy/avaast/internal/router"
	"github.com/chris-pardy/avaast/internal/shaper"
	"github.com/chris-pardy/avaast/internal/store"
	"github.com/chris-pardy/avaast/internal/subscription"
	"github.com/chris-pardy/avaast/internal/watcher"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, config.Usage)
		os.Exit(2)
	}

	log := logx.Root.With("authority", cfg.Authority)

	if err := run(cfg, log); err != nil {
		log.Crit("viewhostd: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log logx.Logger) error {
	st, err := store.Open(store.Config{Path: cfg.DataDir, InMemory: cfg.InMemory, SyncWrites: true})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	pdsClient := pds.New(pds.Config{DirectoryBaseURL: cfg.PDSDirectory}, log.With("component", "pds"))

	manifestReg := manifest.NewRegistry()
	builder := manifest.NewBuilder(manifestReg, pdsClient, log.With("component", "manifest"))

	subs := subscription.NewManager(log.With("component", "subscription"))
	routerReg := router.NewRegistry()
	sh := shaper.New()
	qcache := cache.New(cache.DefaultCapacity, cfg.QueryCacheTTL)
	exec := gateway.NewExecutor(sh, subs, qcache, pdsClient, st, nil)

	w := watcher.New(watcher.Config{
		RelayURL:           cfg.RelayURL,
		FirehoseURL:        cfg.FirehoseURL,
		WatchedAuthorityID: cfg.Authority,
		PollInterval:       cfg.PollInterval,
		ChangeLog:          st,
		PDS:                pdsClient,
	}, log.With("component", "watcher"))

	ctrl := controller.New(w, manifestReg, subs, routerReg, sh, exec, log.With("component", "controller"))
	ctrl.Orchestrator = deploy.New(builder, cfg.ActiveLimit, ctrl.OnDeployTransition, log.With("component", "deploy"))

	adminCost := bcrypt.DefaultCost
	admin, err := authz.NewAdminVerifier(cfg.AdminToken, adminCost)
	if err != nil {
		return fmt.Errorf("configure admin channel: %w", err)
	}

	rt := router.New(routerReg, exec, log.With("component", "router"))
	gw := gateway.New(rt, sh, subs, admin, log.With("component", "gateway"))

	httpServer := &http.Server{Addr: cfg.Addr, Handler: gw.Engine()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.Start(ctx)
	go ctrl.Run(ctx)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("viewhostd: listening", slog.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Debug("viewhostd: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("viewhostd: http shutdown", "error", err)
	}
	w.Stop()
	return nil
}
