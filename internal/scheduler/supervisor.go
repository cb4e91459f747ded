package scheduler

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/bandit"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/ingest"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// defaultPollInterval paces the scheduler's call into each bound
// platform's Poller; the poller's own rate.Limiter is the actual QPS
// cap, this just decides how often PollOnce gets a chance to run.
const defaultPollInterval = time.Minute

// Supervisor is the one task of spec §4.5 that tracks campaign
// lifecycle: it loads every Active/Paused campaign on startup,
// reconciles any crash-time journal, and fans out one CycleTask per
// Active campaign plus one Poller loop per bound platform and the
// webhook HTTP server — grounded on app/app.go's Start/gracefulShutdown
// shape (a context cancelled by a timeout-boxed drain, not an
// unconditional os.Exit).
type Supervisor struct {
	Store         store.Store
	Agent         bandit.BanditAgent
	MMM           bandit.MMMTable
	Platforms     map[string]*PlatformHandle
	Pending       *ingest.PendingQueue
	Pollers       map[string]*ingest.Poller // keyed by normalizePlatform name
	WebhookServer *ingest.Server
	WebhookAddr   string
	OpsHub        *changelog.Hub // optional; mounts GET /ws for live operator terminals

	MaxTrialsPerCycle    int64
	ReportThreshold      float64
	EpsMin               float64
	MaxStep              float64
	MinTrialsForRiskGate int
	MinBidMultiplier     float64
	MaxBidMultiplier     float64
	CycleTaskConcurrency int // 0 uses defaultCycleConcurrency
	DrainTimeout         time.Duration

	cycleSem *semaphore.Weighted

	mu         sync.Mutex
	tasks      map[int64]*CycleTask
	httpServer *http.Server

	runCtx context.Context // long-lived context every CycleTask's goroutine runs under, set by Start
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// defaultCycleConcurrency follows spec §4.5's "default = number of CPU
// cores * 4"; runtime.NumCPU is deliberately not imported here so tests
// stay deterministic — callers that care about the real core count set
// CycleTaskConcurrency explicitly (cmd/optimizer does, from
// runtime.NumCPU() at process start).
const defaultCycleConcurrency = 16

// Start loads every Active/Paused campaign, reconciles any journaled
// intended allocation left over from a crash, and launches the cycle,
// poll and webhook tasks. It returns once every task has been started;
// it does not block.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel

	concurrency := int64(s.CycleTaskConcurrency)
	if concurrency <= 0 {
		concurrency = defaultCycleConcurrency
	}
	s.cycleSem = semaphore.NewWeighted(concurrency)
	s.tasks = make(map[int64]*CycleTask)

	ids, err := s.Store.ActiveOrPausedCampaignIDs(runCtx)
	if err != nil {
		return fmt.Errorf("scheduler: load campaign ids: %w", err)
	}
	for _, id := range ids {
		if err := s.loadCampaign(runCtx, id); err != nil {
			log.Printf("scheduler: campaign %d: load failed: %v", id, err)
		}
	}

	for name, poller := range s.Pollers {
		s.wg.Add(1)
		go func(name string, p *ingest.Poller) {
			defer s.wg.Done()
			s.pollLoop(runCtx, name, p)
		}(name, poller)
	}

	if s.WebhookServer != nil && s.WebhookAddr != "" {
		s.httpServer = &http.Server{Addr: s.WebhookAddr, Handler: s.handler()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("scheduler: webhook server: %v", err)
			}
		}()
	}

	return nil
}

// handler combines the webhook intake's routes with the ops stream's
// /ws route, when one is configured. ServeMux dispatches "/webhook/..."
// and "/ws" exact matches before falling through to "/", so both sets
// of routes coexist on one listener.
func (s *Supervisor) handler() http.Handler {
	if s.OpsHub == nil {
		return s.WebhookServer.Handler()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.OpsHub.ServeWS)
	mux.Handle("/", s.WebhookServer.Handler())
	return mux
}

func (s *Supervisor) loadCampaign(ctx context.Context, id int64) error {
	campaign, _, err := s.Store.LoadCampaign(ctx, id)
	if err != nil {
		return err
	}

	if journaled, err := s.Store.ReconcileJournal(ctx, id); err == nil && len(journaled) > 0 {
		s.reconcile(ctx, campaign, journaled)
	}

	if campaign.Status != arms.StatusActive {
		return nil
	}

	task := &CycleTask{
		Campaign:             campaign,
		Store:                s.Store,
		Agent:                s.Agent,
		MMM:                  s.MMM,
		Carryover:            bandit.NewCarryoverState(),
		Platforms:            s.Platforms,
		Pending:              s.Pending,
		MaxTrialsPerCycle:    s.MaxTrialsPerCycle,
		ReportThreshold:      s.ReportThreshold,
		EpsMin:               s.EpsMin,
		MaxStep:              s.MaxStep,
		MinTrialsForRiskGate: s.MinTrialsForRiskGate,
		MinBidMultiplier:     s.MinBidMultiplier,
		MaxBidMultiplier:     s.MaxBidMultiplier,
		CycleSem:             s.cycleSem,
	}

	s.mu.Lock()
	s.tasks[id] = task
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task.Start(ctx)
	}()
	return nil
}

// reconcile idempotently replays SetBid for every arm in a journaled
// intended allocation, per spec §4.5's restart semantics: "If a
// journaled intended-allocation exists ... the supervisor first
// reconciles by re-calling platform.SetBid idempotently before starting
// the first new cycle."
func (s *Supervisor) reconcile(ctx context.Context, campaign *arms.Campaign, journaled map[int64]float64) {
	campaignArms := campaign.Arms()
	armByID := make(map[int64]arms.Arm, len(campaignArms))
	enabled := 0
	for _, a := range campaignArms {
		armByID[a.ID] = a
		if !a.Disabled {
			enabled++
		}
	}
	evenShare := 0.0
	if enabled > 0 {
		evenShare = 1.0 / float64(enabled)
	}
	for armID, fraction := range journaled {
		a, ok := armByID[armID]
		if !ok {
			continue
		}
		handle := s.Platforms[normalizePlatform(a.Platform)]
		if handle == nil {
			continue
		}
		newBid := BidFromAllocation(a.Bid, fraction, evenShare, s.MinBidMultiplier, s.MaxBidMultiplier)
		binding := platformArmBinding(a, handle.AccountID)
		if err := handle.Adapter.SetBid(ctx, binding, newBid); err != nil {
			log.Printf("scheduler: campaign %d: reconcile SetBid arm %d: %v", campaign.ID, armID, err)
		}
	}
}

// Reset implements spec §3's "manually resettable" lifecycle edge for
// an Errored campaign, grounded on original_source/runner.py's
// reset_errored_campaign CLI path: it clears the campaign back to
// Paused without touching any learned posterior, then leaves it there
// — a Paused campaign only resumes cycling once an operator calls
// Resume, the same as any other pause.
func (s *Supervisor) Reset(ctx context.Context, campaignID int64) error {
	campaign, _, err := s.Store.LoadCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("scheduler: reset campaign %d: load: %w", campaignID, err)
	}
	if err := campaign.Reset(); err != nil {
		return fmt.Errorf("scheduler: reset campaign %d: %w", campaignID, err)
	}
	return s.Store.SaveCampaign(ctx, campaign)
}

// Pause implements spec §4.5's Cancellation edge: a live CycleTask is
// told to skip ticks starting at the next tick boundary, after its
// persisted status flips to Paused. A campaign with no live task (it was
// never Active in this process) only needs the status transition.
func (s *Supervisor) Pause(ctx context.Context, campaignID int64) error {
	s.mu.Lock()
	task := s.tasks[campaignID]
	s.mu.Unlock()

	if task != nil {
		if err := task.Campaign.Pause(); err != nil {
			return fmt.Errorf("scheduler: pause campaign %d: %w", campaignID, err)
		}
		if err := s.Store.SaveCampaign(ctx, task.Campaign); err != nil {
			return fmt.Errorf("scheduler: pause campaign %d: save: %w", campaignID, err)
		}
		task.Pause()
		return nil
	}

	campaign, _, err := s.Store.LoadCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("scheduler: pause campaign %d: load: %w", campaignID, err)
	}
	if err := campaign.Pause(); err != nil {
		return fmt.Errorf("scheduler: pause campaign %d: %w", campaignID, err)
	}
	return s.Store.SaveCampaign(ctx, campaign)
}

// Resume reactivates a Paused campaign. A live CycleTask just has its
// paused flag cleared; a campaign with no live task (it was Paused
// before this process started, or never scheduled) gets a fresh one
// started via loadCampaign, the same path Start uses on boot.
func (s *Supervisor) Resume(ctx context.Context, campaignID int64) error {
	s.mu.Lock()
	task := s.tasks[campaignID]
	s.mu.Unlock()

	if task != nil {
		if err := task.Campaign.Resume(); err != nil {
			return fmt.Errorf("scheduler: resume campaign %d: %w", campaignID, err)
		}
		if err := s.Store.SaveCampaign(ctx, task.Campaign); err != nil {
			return fmt.Errorf("scheduler: resume campaign %d: save: %w", campaignID, err)
		}
		task.Resume()
		return nil
	}

	campaign, _, err := s.Store.LoadCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("scheduler: resume campaign %d: load: %w", campaignID, err)
	}
	if err := campaign.Resume(); err != nil {
		return fmt.Errorf("scheduler: resume campaign %d: %w", campaignID, err)
	}
	if err := s.Store.SaveCampaign(ctx, campaign); err != nil {
		return fmt.Errorf("scheduler: resume campaign %d: save: %w", campaignID, err)
	}
	// A fresh CycleTask's goroutine must outlive this call, so it runs
	// under the supervisor's own long-lived context, not Resume's caller-
	// scoped one.
	startCtx := s.runCtx
	if startCtx == nil {
		startCtx = ctx
	}
	return s.loadCampaign(startCtx, campaignID)
}

func (s *Supervisor) pollLoop(ctx context.Context, name string, p *ingest.Poller) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	since := time.Now().UTC()
	poll := func() {
		now := time.Now().UTC()
		if err := p.PollOnce(ctx, since); err != nil {
			log.Printf("scheduler: poll %s: %v", name, err)
			return
		}
		since = now
	}

	poll()
	for {
		select {
		case <-ticker.C:
			poll()
		case <-ctx.Done():
			return
		}
	}
}

// Drain signals every cycle task to stop, waits up to DrainTimeout for
// them to finish their current iteration, and shuts down the webhook
// server. Per spec §4.5: "A bid-update in flight at drain-timeout is
// cancelled and the intended allocation is journaled so the next
// process start can reconcile" — that journal entry is already written
// every cycle by CycleTask.RunOnce before any SetBid call, so draining
// mid-cycle never loses it.
func (s *Supervisor) Drain(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for _, task := range s.tasks {
		task.Stop()
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.drainTimeout())
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.drainTimeout()):
		return fmt.Errorf("scheduler: drain timed out after %v", s.drainTimeout())
	}
}

func (s *Supervisor) drainTimeout() time.Duration {
	if s.DrainTimeout > 0 {
		return s.DrainTimeout
	}
	return 30 * time.Second
}
