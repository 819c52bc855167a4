// Package daemon wires scribe's services together and runs the server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/scribe/internal/api"
	"github.com/tutu-network/scribe/internal/app/jobs"
	"github.com/tutu-network/scribe/internal/app/purchase"
	"github.com/tutu-network/scribe/internal/app/query"
	"github.com/tutu-network/scribe/internal/app/settlement"
	"github.com/tutu-network/scribe/internal/app/spend"
	"github.com/tutu-network/scribe/internal/app/transcripts"
	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/ai"
	"github.com/tutu-network/scribe/internal/infra/payments"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

const shutdownTimeout = 15 * time.Second

// Daemon holds the opened store and every application service.
type Daemon struct {
	Config Config
	Home   string

	DB          *sqlite.DB
	Pricing     spend.Pricing
	Spend       *spend.Coordinator
	Query       *query.Service
	Tracker     *jobs.Tracker
	Worker      *jobs.Worker
	Transcripts *transcripts.Service
	Purchase    *purchase.Service
	Inbox       *settlement.Inbox
	Sweeper     *settlement.Sweeper
}

// New opens the store under home and builds the services. Call Close when
// done.
func New(cfg Config, home string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := sqlite.Open(home)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	db.SetLeakThreshold(duration(cfg.Ledger.TxLeakThreshold, sqlite.DefaultLeakThreshold))

	d := &Daemon{Config: cfg, Home: home, DB: db}
	d.Pricing = spend.Pricing{
		StorageBlockMinutes: cfg.Ledger.StorageBlockMinutes,
		SummaryCredits:      cfg.Ledger.SummaryCost,
	}
	d.Spend = spend.New(db)
	d.Query = query.New(db, cfg.Ledger.HistoryMaxLimit)
	d.Tracker = jobs.NewTracker(db)

	def := jobs.DefaultConfig()
	d.Worker = jobs.NewWorker(jobs.Config{
		MaxConcurrent: cfg.Jobs.Workers,
		Timeout:       duration(cfg.Jobs.Timeout, def.Timeout),
		Lease:         duration(cfg.Jobs.Lease, def.Lease),
		SweepInterval: duration(cfg.Jobs.SweepInterval, def.SweepInterval),
		RatePerMinute: cfg.Jobs.AIRatePerMinute,
	}, db, d.Tracker, newGenerator(cfg.AI))

	d.Transcripts = transcripts.New(db, d.Spend, d.Pricing, d.Worker)

	var processor domain.PaymentProcessor
	if p := payments.NewProcessor(cfg.Payments.StripeSecretKey); p != nil {
		processor = p
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, purchases disabled")
	}
	d.Purchase = purchase.New(db, processor, cfg.Payments.Currency)

	d.Inbox = settlement.NewInbox(db, settlement.NewReconciler(db), cfg.Payments.WebhookMaxAttempts)
	d.Sweeper = settlement.NewSweeper(db, d.Inbox, payments.DecodeNotification,
		duration(cfg.Payments.WebhookSweepInterval, time.Minute))

	if err := db.SyncProducts(context.Background(), cfg.Payments.Products); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync products: %w", err)
	}
	return d, nil
}

func newGenerator(cfg AIConfig) domain.Generator {
	c := ai.NewClient(ai.Config{
		BaseURL:            cfg.BaseURL,
		Model:              cfg.Model,
		APIKey:             cfg.APIKey,
		MaxTranscriptChars: cfg.MaxTranscriptChars,
	})
	if c == nil {
		log.Warn().Msg("AI_API_KEY not set, summary jobs will fail")
		return ai.Disabled{}
	}
	return c
}

// Close stops the worker and closes the store.
func (d *Daemon) Close() error {
	d.Worker.Stop()
	return d.DB.Close()
}

// Addr returns the configured listen address.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
}

// Handler builds the HTTP handler.
func (d *Daemon) Handler() http.Handler {
	cfg := d.Config
	srv := api.NewServer(api.Config{
		JWTSecret:       cfg.Auth.JWTSecret,
		AdminKey:        cfg.Auth.AdminKey,
		WebhookSecret:   cfg.Payments.WebhookSecret,
		StartingBalance: cfg.Ledger.StartingBalance,
		CORSOrigins:     cfg.API.CORSOrigins,
		RequestTimeout:  duration(cfg.API.RequestTimeout, time.Minute),
	}, api.Services{
		DB:          d.DB,
		Query:       d.Query,
		Spend:       d.Spend,
		Pricing:     d.Pricing,
		Transcripts: d.Transcripts,
		Jobs:        d.Tracker,
		Worker:      d.Worker,
		Purchase:    d.Purchase,
		Inbox:       d.Inbox,
	})
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}
	return srv.Handler()
}

// Serve runs the HTTP server, the summary worker and the webhook sweeper
// until ctx is cancelled or one of them fails.
func (d *Daemon) Serve(ctx context.Context) error {
	if d.Config.Auth.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set, authenticated routes will return 503")
	}

	httpSrv := &http.Server{
		Addr:              d.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return d.Worker.Run(gctx) })
	g.Go(func() error { return d.Sweeper.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
