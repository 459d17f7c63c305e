package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tutu-network/tally/internal/api"
	"github.com/tutu-network/tally/internal/app/dlq"
	"github.com/tutu-network/tally/internal/app/ledger"
	"github.com/tutu-network/tally/internal/app/payout"
	"github.com/tutu-network/tally/internal/app/reconcile"
	"github.com/tutu-network/tally/internal/app/settlement"
	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/counter"
	"github.com/tutu-network/tally/internal/infra/notify"
	"github.com/tutu-network/tally/internal/infra/observability"
	"github.com/tutu-network/tally/internal/infra/sqlite"
)

const (
	// jobTimeout bounds one background sweep. All jobs work in batches of
	// short transactions, so anything longer means the store is wedged.
	jobTimeout = time.Minute

	// shutdownGrace bounds draining in-flight HTTP requests on stop.
	shutdownGrace = 10 * time.Second
)

// Daemon is one fully wired engine instance.
type Daemon struct {
	config  Config
	version string

	db      *sqlite.DB
	counter domain.Counter
	queue   *dlq.Service
	ledger  *ledger.Service
	settle  *settlement.Service
	payouts *payout.Service
	checker *reconcile.Service

	server *http.Server
	cron   *cron.Cron
}

// New wires every component from cfg. Nothing is listening yet; call Run.
func New(cfg Config, version string) (*Daemon, error) {
	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ctr, err := counter.New(counter.Config{
		Backend:   cfg.Counter.Backend,
		BadgerDir: cfg.Counter.BadgerDir,
		RedisAddr: cfg.Counter.RedisAddr,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open counter backend: %w", err)
	}

	table, err := cfg.DistributionTable()
	if err != nil {
		closeCounter(ctr)
		db.Close()
		return nil, err
	}

	// Every post-commit event funnels through the DLQ service: delivered
	// inline when the notifier cooperates, queued with backoff when not.
	notifier := notify.New(notify.Config{
		URL:     cfg.Notify.URL,
		Timeout: parseDuration(cfg.Notify.Timeout, 10*time.Second),
	})
	queue := dlq.New(dlq.Config{}, db)
	for _, kind := range []string{ledger.KindFinalize, payout.KindPayoutCompleted, reconcile.KindViolation} {
		queue.Handle(kind, forward(notifier, kind))
	}

	window := parseDuration(cfg.Settlement.Window, 48*time.Hour)
	ttl := parseDuration(cfg.Ledger.ReservationTTL, 5*time.Minute)

	lgr := ledger.New(ledger.Config{
		ReservationTTL:  ttl,
		SettleWindow:    window,
		OverrunAlertBps: cfg.Ledger.OverrunAlertBps,
		ReaperBatch:     cfg.Ledger.ReaperBatch,
	}, db, ctr, table, queue)
	settle := settlement.New(settlement.Config{
		Window: window,
		Batch:  cfg.Settlement.Batch,
	}, db, lgr)
	payouts := payout.New(payout.Config{
		MinAmount:     cfg.Payout.MinAmount,
		FeeBps:        cfg.Payout.FeeBps,
		FeeCapBps:     cfg.Payout.FeeCapBps,
		RateWindow:    parseDuration(cfg.Payout.RateWindow, 24*time.Hour),
		BasicKYCAt:    cfg.Payout.BasicKYCAt,
		EnhancedKYCAt: cfg.Payout.EnhancedKYCAt,
		FeeAccount:    cfg.Payout.FeeAccount,
	}, db, lgr, db.KYC(), queue)
	checker := reconcile.New(reconcile.Config{ReservationTTL: ttl}, db, queue)

	srv := api.NewServer(lgr, settle, payouts)
	srv.SetReconciler(checker)
	srv.SetDLQ(queue)
	srv.SetVersion(version)
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}
	if cfg.API.Tracing {
		srv.SetTracer(observability.NewTracer(observability.DefaultTracerConfig()))
	}

	d := &Daemon{
		config:  cfg,
		version: version,
		db:      db,
		counter: ctr,
		queue:   queue,
		ledger:  lgr,
		settle:  settle,
		payouts: payouts,
		checker: checker,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if err := d.scheduleJobs(); err != nil {
		closeCounter(ctr)
		db.Close()
		return nil, err
	}
	return d, nil
}

// forward adapts the notifier to a DLQ handler for one event kind.
func forward(n domain.Notifier, kind string) dlq.Handler {
	return func(ctx context.Context, payload []byte) error {
		return n.Notify(ctx, kind, payload)
	}
}

func (d *Daemon) scheduleJobs() error {
	d.cron = cron.New()
	add := func(name, spec string, run func(context.Context) error) error {
		if spec == "" {
			log.Printf("[daemon] %s job disabled", name)
			return nil
		}
		_, err := d.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			if err := run(ctx); err != nil {
				log.Printf("[daemon] %s job: %v", name, err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %s job (%q): %w", name, spec, err)
		}
		return nil
	}

	if err := add("reaper", d.config.Jobs.Reaper, func(ctx context.Context) error {
		_, err := d.ledger.ReapExpired(ctx, time.Now())
		return err
	}); err != nil {
		return err
	}
	if err := add("maturation", d.config.Jobs.Maturation, func(ctx context.Context) error {
		_, err := d.settle.Mature(ctx, time.Now())
		return err
	}); err != nil {
		return err
	}
	if err := add("reconcile", d.config.Jobs.Reconcile, func(ctx context.Context) error {
		_, err := d.checker.Run(ctx, time.Now())
		return err
	}); err != nil {
		return err
	}
	if err := add("dlq-retry", d.config.Jobs.DLQRetry, func(ctx context.Context) error {
		_, err := d.queue.Retry(ctx, time.Now())
		return err
	}); err != nil {
		return err
	}
	return nil
}

// Run starts the background jobs and the HTTP listener and blocks until ctx
// is cancelled or the listener fails. Shutdown drains in-flight requests,
// waits for running jobs, then closes the stores.
func (d *Daemon) Run(ctx context.Context) error {
	d.cron.Start()
	log.Printf("[daemon] tallyd %s listening on %s (store %s, counter %s)",
		d.version, d.server.Addr, d.config.Store.Path, d.config.Counter.Backend)

	errCh := make(chan error, 1)
	go func() { errCh <- d.server.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
		log.Printf("[daemon] shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[daemon] server shutdown: %v", err)
		}
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	<-d.cron.Stop().Done()
	if err := d.close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (d *Daemon) close() error {
	closeCounter(d.counter)
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// closeCounter releases backends that hold files or connections; the memory
// backend has nothing to release.
func closeCounter(c domain.Counter) {
	closer, ok := c.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Printf("[daemon] close counter: %v", err)
	}
}
