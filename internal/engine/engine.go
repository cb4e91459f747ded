// Package engine wires config, storage, cache, changelog and platform
// adapters into one runnable process, grounded on app/app.go's App
// struct shape: a New that builds what can be built without I/O, and a
// Start that dials every external dependency before handing off to the
// scheduler.
package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/komitreehouse/ads-budget-optimizer/internal/bandit"
	"github.com/komitreehouse/ads-budget-optimizer/internal/cache"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/config"
	"github.com/komitreehouse/ads-budget-optimizer/internal/ingest"
	"github.com/komitreehouse/ads-budget-optimizer/internal/platform"
	"github.com/komitreehouse/ads-budget-optimizer/internal/scheduler"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// Engine is the process-level assembly of every component built so
// far. Fields are populated incrementally by Start the way App's are —
// nil until the corresponding dependency has been dialed — so a
// mid-Start failure still leaves Drain able to clean up whatever did
// come up.
type Engine struct {
	config *config.Config

	db       *gorm.DB
	redis    *cache.RedisClient
	store    store.Store
	hub      *changelog.Hub
	logger   *changelog.Logger
	retainer *changelog.RetentionJob

	supervisor *scheduler.Supervisor
}

// New constructs an Engine against cfg. Every field that requires
// dialing a network dependency stays nil until Start succeeds.
func New(cfg *config.Config) *Engine {
	return &Engine{config: cfg}
}

// Start dials Postgres and Redis, migrates the allocation-change log,
// builds one PlatformHandle per credentialed vendor, wires the ingest
// pollers and webhook server, and finally starts the scheduler's
// Supervisor. It returns once every task has launched; callers drive
// the process lifetime themselves (Run does this for cmd/optimizer).
func (e *Engine) Start(ctx context.Context) error {
	log.Println("engine: connecting to database...")
	dsn := fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=disable",
		e.config.DBHost, e.config.DBPort, e.config.DBName, e.config.DBUser, e.config.DBPassword)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("engine: connect database: %w", err)
	}
	e.db = gdb

	log.Println("engine: connecting to redis...")
	e.redis = cache.NewRedisClient(e.config.RedisHost, e.config.RedisPort, e.config.RedisPassword)

	e.hub = changelog.NewHub()
	e.logger = changelog.NewLogger(e.db, e.hub)
	if err := e.logger.Migrate(); err != nil {
		return fmt.Errorf("engine: migrate change log: %w", err)
	}
	if err := e.logger.MigrateIngestLog(); err != nil {
		return fmt.Errorf("engine: migrate ingest log: %w", err)
	}

	st, err := store.Open(store.DSN(dsn), e.logger)
	if err != nil {
		return fmt.Errorf("engine: open store: %w", err)
	}
	e.store = st

	e.retainer = changelog.NewRetentionJob(e.logger, e.config.RetentionDays, e.config.ColdStorageDir)
	go e.retainer.Start()

	platforms := e.buildPlatformHandles()
	pending := ingest.NewPendingQueue()
	tracker := &cache.RedisZScoreTracker{Client: e.redis}

	pollers := e.buildPollers(platforms, pending, tracker)
	webhookServer := e.buildWebhookServer(pending, tracker)

	e.supervisor = &scheduler.Supervisor{
		Store:                e.store,
		Agent:                bandit.ThompsonBernoulli{},
		MMM:                  bandit.MMMTable{CarryoverGamma: e.config.CarryoverDecay, CarryoverCap: e.config.CarryoverCap},
		Platforms:            platforms,
		Pending:              pending,
		Pollers:              pollers,
		WebhookServer:        webhookServer,
		WebhookAddr:          e.config.WebhookAddr,
		OpsHub:               e.hub,
		MaxTrialsPerCycle:    int64(e.config.MaxTrialsPerCycle),
		ReportThreshold:      e.config.ReportThreshold,
		EpsMin:               e.config.MinAllocFloor,
		MaxStep:              e.config.MaxStep,
		MinTrialsForRiskGate: e.config.MinTrialsForRiskGate,
		MinBidMultiplier:     e.config.MinBidMultiplier,
		MaxBidMultiplier:     e.config.MaxBidMultiplier,
		CycleTaskConcurrency: e.cycleConcurrency(),
		DrainTimeout:         e.config.DrainTimeout,
	}

	if err := e.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("engine: start scheduler: %w", err)
	}

	log.Println("engine: started")
	return nil
}

// cycleConcurrency resolves config.CycleTaskConcurrency's "0 means cpu
// cores * 4" default at the one place that is allowed to know the real
// core count — internal/scheduler stays deterministic for tests.
func (e *Engine) cycleConcurrency() int {
	if e.config.CycleTaskConcurrency > 0 {
		return e.config.CycleTaskConcurrency
	}
	return runtime.NumCPU() * 4
}

func (e *Engine) buildPlatformHandles() map[string]*scheduler.PlatformHandle {
	handles := make(map[string]*scheduler.PlatformHandle)
	sem := func() *semaphore.Weighted { return semaphore.NewWeighted(int64(e.config.PlatformCallConcurrency)) }

	httpClient := &http.Client{Timeout: 30 * time.Second}

	if key, ok := e.config.PlatformCredentials["google"]; ok {
		handles["google"] = &scheduler.PlatformHandle{
			Adapter:   platform.NewGoogleAds(key, httpClient),
			AccountID: e.config.PlatformAccountID["google"],
			Sem:       sem(),
		}
	}
	if token, ok := e.config.PlatformCredentials["meta"]; ok {
		handles["meta"] = &scheduler.PlatformHandle{
			Adapter:   platform.NewMetaAds(token, httpClient),
			AccountID: e.config.PlatformAccountID["meta"],
			Sem:       sem(),
		}
	}
	if token, ok := e.config.PlatformCredentials["trade_desk"]; ok {
		handles["trade_desk"] = &scheduler.PlatformHandle{
			Adapter:   platform.NewTradeDesk(token, httpClient),
			AccountID: e.config.PlatformAccountID["trade_desk"],
			Sem:       sem(),
		}
	}
	return handles
}

// buildPollers constructs one ingest.Poller per credentialed, bound
// platform. Bindings is a closure over the store rather than a fixed
// slice so a newly-added arm is picked up without restarting the
// poller, matching spec §4.2's "arms may be added to a running
// campaign."
func (e *Engine) buildPollers(platforms map[string]*scheduler.PlatformHandle, pending *ingest.PendingQueue, tracker *cache.RedisZScoreTracker) map[string]*ingest.Poller {
	pollers := make(map[string]*ingest.Poller)
	for name, handle := range platforms {
		qps := e.config.PollRatePerPlatform[name]
		if qps <= 0 {
			qps = 1.0
		}
		pollers[name] = &ingest.Poller{
			Platform:     handle.Adapter,
			PlatformName: name,
			AccountID:    handle.AccountID,
			Bindings:     e.bindingsFor(name),
			Limiter:      rate.NewLimiter(rate.Limit(qps), 1),
			Sem:          handle.Sem,
			Store:        e.store,
			ChangeLog:    e.logger,
			Rolling:      tracker,
			Pending:      pending,
			AnomalyZ:     e.config.AnomalyZ,
		}
	}
	return pollers
}

func (e *Engine) bindingsFor(platformName string) func() []platform.ArmBinding {
	return func() []platform.ArmBinding {
		ids, err := e.store.ActiveOrPausedCampaignIDs(context.Background())
		if err != nil {
			return nil
		}
		var bindings []platform.ArmBinding
		for _, id := range ids {
			campaign, _, err := e.store.LoadCampaign(context.Background(), id)
			if err != nil {
				continue
			}
			for _, a := range campaign.Arms() {
				if a.Disabled {
					continue
				}
				if normalizePlatformName(a.Platform) != platformName {
					continue
				}
				bindings = append(bindings, platform.ArmBinding{
					ArmID:      a.ID,
					CampaignID: a.CampaignID,
					AccountID:  e.config.PlatformAccountID[platformName],
					Channel:    a.Channel,
					Creative:   a.Creative,
				})
			}
		}
		return bindings
	}
}

func (e *Engine) buildWebhookServer(pending *ingest.PendingQueue, tracker *cache.RedisZScoreTracker) *ingest.Server {
	return &ingest.Server{
		Secrets:         e.config.PlatformWebhookSecrets,
		SignatureHeader: ingest.DefaultSignatureHeaders,
		Decoders: map[string]ingest.WebhookDecoder{
			"google":     ingest.DecodeGoogleAdsWebhook,
			"meta":       ingest.DecodeMetaAdsWebhook,
			"trade_desk": ingest.DecodeTradeDeskWebhook,
		},
		Store:         e.store,
		Resolver:      ingest.StoreArmResolver{Store: e.store},
		ChangeLog:     e.logger,
		Rolling:       tracker,
		Pending:       pending,
		AnomalyZ:      e.config.AnomalyZ,
		HintThreshold: e.config.WebhookHintThreshold,
	}
}

// Run starts the engine and blocks until SIGINT/SIGTERM, then drains,
// mirroring app.go's Start/gracefulShutdown split.
func (e *Engine) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := e.Start(ctx); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Println("engine: shutdown signal received, draining...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), e.drainTimeout())
	defer drainCancel()
	return e.Drain(drainCtx)
}

// Drain stops the scheduler, the retention job, and closes every
// dialed connection, tolerating a nil dependency at any stage (Start
// may have failed partway through).
func (e *Engine) Drain(ctx context.Context) error {
	var drainErr error
	if e.supervisor != nil {
		if err := e.supervisor.Drain(ctx); err != nil {
			drainErr = err
		}
	}
	if e.retainer != nil {
		e.retainer.Stop()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Printf("engine: close store: %v", err)
		}
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	log.Println("engine: drained")
	return drainErr
}

func (e *Engine) drainTimeout() time.Duration {
	if e.config.DrainTimeout > 0 {
		return e.config.DrainTimeout
	}
	return 30 * time.Second
}

func normalizePlatformName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
