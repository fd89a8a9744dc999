package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/cocrm/internal/config"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/leads"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/messaging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/ratelimit"
	"github.com/mbd888/cocrm/internal/reconciliation"
	"github.com/mbd888/cocrm/internal/saga"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/migrations"
)

type app struct {
	ledger   *ledger.Ledger
	runner   *reconciliation.Runner
	resetter *tenant.UsageResetter
	logger   *slog.Logger

	// migrate is nil when the store is not PostgreSQL.
	migrate func(cmd *cobra.Command, command string, args ...string) error
	close   func() error
}

// wireApp connects to DATABASE_URL. The CLI only talks to the document
// store; providers are never called, so a refund it issues never depends
// on one.
func wireApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, "text")
	a := newApp(docstore.NewPostgresStore(db), cfg.Location(), logger)
	a.migrate = func(cmd *cobra.Command, command string, args ...string) error {
		return migrations.Run(cmd.Context(), db, command, args...)
	}
	a.close = db.Close
	return a, nil
}

func newApp(store docstore.Store, loc *time.Location, logger *slog.Logger) *app {
	l := ledger.New(store, logger)

	exec := saga.NewExecutor(store, logger)
	exec.Register(saga.KindWhatsAppSend, messaging.MarkSendFailed)
	exec.Register(saga.KindLeadEnrichment, leads.MarkEnrichmentFailed)
	comp := saga.NewDirect(exec, logger)

	meter := metering.New(store, ratelimit.NewStoreLimiter(store), quota.Default(), logger)
	offline := providers.Disabled{Service: "offline"}
	runner := reconciliation.NewRunner(store, l, comp, logger).
		WithSource("leads", leads.NewService(meter, offline, offline, comp)).
		WithSource("messaging", messaging.NewService(meter, offline, comp))

	return &app{
		ledger:   l,
		runner:   runner,
		resetter: tenant.NewUsageResetter(store, loc, logger),
		logger:   logger,
		close:    func() error { return nil },
	}
}
