package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/luisarev/mensajero/internal/broadcast"
	"github.com/luisarev/mensajero/internal/config"
	"github.com/luisarev/mensajero/internal/dispatch"
	"github.com/luisarev/mensajero/internal/history"
	"github.com/luisarev/mensajero/internal/httpapi"
	"github.com/luisarev/mensajero/internal/maintenance"
	"github.com/luisarev/mensajero/internal/media"
	"github.com/luisarev/mensajero/internal/observability"
	"github.com/luisarev/mensajero/internal/qrwindow"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/registry"
	"github.com/luisarev/mensajero/internal/waproto"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Registry    *registry.Registry
	Limiter     *ratelimit.Limiter
	Dispatcher  *dispatch.Dispatcher
	Maintenance *maintenance.Runner
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, open sessions).
	Cleanup func() error
}

// Build wires every component of the gateway from configuration.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	provider, err := waproto.NewProvider(cfg.ProviderMode)
	if err != nil {
		return nil, fmt.Errorf("provider init failed: %w", err)
	}

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	limiter := ratelimit.New()
	broadcaster := broadcast.New()
	reg := registry.New(provider, broadcaster, limiter, metrics, cfg.AuthDir)

	qr := qrwindow.New(cfg.QRTimeout, func(accountKey string) {
		metrics.QRTimeouts.Inc()
		// Teardown logs its own failures; an expired window is best effort.
		_ = reg.Teardown(context.Background(), accountKey)
	})
	reg.SetQRController(qr)

	dispatcher := dispatch.New(reg, limiter, media.NewJPEGTranscoder(), store, metrics)
	maint := maintenance.NewRunner(reg, limiter, qr, cfg.AuthDir, cfg.UploadDir, cfg.ResetInterval)

	api := httpapi.New(cfg, reg, limiter, dispatcher, broadcaster, store, maint, qr, metrics)

	cleanup := func() error {
		var errs []string
		reg.TeardownAll(context.Background())
		qr.DisarmAll()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Registry:    reg,
		Limiter:     limiter,
		Dispatcher:  dispatcher,
		Maintenance: maint,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}
