package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" driver for UpdatePosterior's raw sql.Open below
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/errs"
)

// CampaignRow is the GORM model backing the campaigns table.
type CampaignRow struct {
	ID            int64 `gorm:"primaryKey"`
	Name          string
	TotalBudget   float64
	Start         time.Time
	End           *time.Time
	Status        string
	PrimaryKPI    string
	RiskTolerance float64
	VarianceLimit float64
	CadenceMS     int64
}

func (CampaignRow) TableName() string { return "campaigns" }

// ArmRow is the GORM model backing the arms table.
type ArmRow struct {
	ID         int64 `gorm:"primaryKey"`
	CampaignID int64 `gorm:"index:idx_arms_campaign"`
	ArmKey     string
	Platform   string
	Channel    string
	Creative   string
	Bid        float64
	Disabled   bool
}

func (ArmRow) TableName() string { return "arms" }

// PosteriorRow is the GORM model backing the posteriors table, one row
// per arm, updated exclusively by the raw-SQL locked transaction in
// locked_posterior.go.
type PosteriorRow struct {
	ArmID       int64 `gorm:"primaryKey"`
	Alpha       float64
	Beta        float64
	Spend       float64
	RewardSum   float64
	RewardSqSum float64
	Trials      int64
	UpdatedAt   time.Time
}

func (PosteriorRow) TableName() string { return "posteriors" }

// MetricRow is the GORM model backing the metrics table. The unique
// index on (arm_id, ts, source) is what makes RecordMetric idempotent.
type MetricRow struct {
	ID          int64 `gorm:"primaryKey"`
	ArmID       int64 `gorm:"uniqueIndex:idx_metrics_dedupe,priority:1"`
	CampaignID  int64
	TS          time.Time `gorm:"uniqueIndex:idx_metrics_dedupe,priority:2"`
	Impressions int64
	Clicks      int64
	Conversions int64
	Cost        float64
	Revenue     float64
	Source      string `gorm:"uniqueIndex:idx_metrics_dedupe,priority:3"`
	Quality     string
}

func (MetricRow) TableName() string { return "metrics" }

// IntendedAllocationRow is the GORM model backing the
// intended_allocations table, the crash-recovery journal of spec §4.5.
type IntendedAllocationRow struct {
	CampaignID int64 `gorm:"primaryKey"`
	AllocJSON  []byte
	UpdatedAt  time.Time
}

func (IntendedAllocationRow) TableName() string { return "intended_allocations" }

// gormStore is the production Store, backed by GORM for everything
// except the posterior row-lock critical section, which uses a sibling
// raw *sql.DB opened against the same DSN.
type gormStore struct {
	db   *gorm.DB
	raw  *sql.DB
	cl   *changelog.Logger
	snap *snapshotCache
}

// DSN bundles a Postgres connection string.
type DSN string

// Open connects GORM and a sibling raw database/sql connection to the
// same Postgres instance, migrates every table, and returns a ready
// Store. rawDriver is always "postgres" (lib/pq) — the driver used only
// inside UpdatePosterior's FOR UPDATE transaction.
func Open(dsn DSN, cl *changelog.Logger) (Store, error) {
	gdb, err := gorm.Open(postgres.Open(string(dsn)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect gorm: %w", err)
	}

	rawDB, err := sql.Open("postgres", string(dsn))
	if err != nil {
		return nil, fmt.Errorf("store: connect raw sql: %w", err)
	}
	rawDB.SetMaxOpenConns(10)
	rawDB.SetMaxIdleConns(5)
	rawDB.SetConnMaxLifetime(30 * time.Minute)

	s := &gormStore{db: gdb, raw: rawDB, cl: cl, snap: newSnapshotCache()}
	if err := s.migrate(); err != nil {
		rawDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *gormStore) migrate() error {
	if err := s.db.AutoMigrate(&CampaignRow{}, &ArmRow{}, &PosteriorRow{}, &MetricRow{}, &IntendedAllocationRow{}); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if s.cl != nil {
		if err := s.cl.Migrate(); err != nil {
			return fmt.Errorf("store: migrate change log: %w", err)
		}
		if err := s.cl.MigrateIngestLog(); err != nil {
			return fmt.Errorf("store: migrate ingest log: %w", err)
		}
	}
	return nil
}

func (s *gormStore) Close() error {
	return s.raw.Close()
}

// LoadCampaign reconstructs a campaign and its arms from the last
// committed posterior rows — never by replaying metrics, per spec §4.2.
func (s *gormStore) LoadCampaign(ctx context.Context, id int64) (*arms.Campaign, []ArmPosterior, error) {
	var cr CampaignRow
	if err := s.db.WithContext(ctx).First(&cr, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, errs.NewNotFound("campaign", id)
		}
		return nil, nil, fmt.Errorf("store: load campaign %d: %w", id, err)
	}

	camp, err := arms.NewCampaign(arms.CampaignConfig{
		ID:            cr.ID,
		Name:          cr.Name,
		TotalBudget:   cr.TotalBudget,
		Start:         cr.Start,
		End:           cr.End,
		PrimaryKPI:    arms.PrimaryKPI(cr.PrimaryKPI),
		RiskTolerance: cr.RiskTolerance,
		VarianceLimit: cr.VarianceLimit,
		Cadence:       time.Duration(cr.CadenceMS) * time.Millisecond,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("store: reconstruct campaign %d: %w", id, err)
	}
	// NewCampaign always returns Draft; restore the persisted status
	// directly, bypassing the transition graph, since this is a load
	// from durable state rather than a lifecycle edge.
	camp.Status = arms.Status(cr.Status)

	var armRows []ArmRow
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", id).Find(&armRows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: load arms for campaign %d: %w", id, err)
	}

	armIDs := make([]int64, 0, len(armRows))
	for _, ar := range armRows {
		a := arms.Arm{
			ID:         ar.ID,
			CampaignID: ar.CampaignID,
			Platform:   ar.Platform,
			Channel:    ar.Channel,
			Creative:   ar.Creative,
			Bid:        ar.Bid,
			Disabled:   ar.Disabled,
		}
		if err := camp.AddArm(a); err != nil {
			return nil, nil, fmt.Errorf("store: rehydrate arm %d: %w", ar.ID, err)
		}
		camp.SetArmID(a.Key(), ar.ID)
		armIDs = append(armIDs, ar.ID)
	}

	var postRows []PosteriorRow
	if len(armIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("arm_id IN ?", armIDs).Find(&postRows).Error; err != nil {
			return nil, nil, fmt.Errorf("store: load posteriors for campaign %d: %w", id, err)
		}
	}
	posteriors := make([]ArmPosterior, 0, len(armIDs))
	seen := make(map[int64]bool, len(postRows))
	for _, pr := range postRows {
		posteriors = append(posteriors, ArmPosterior{
			ArmID:       pr.ArmID,
			Alpha:       pr.Alpha,
			Beta:        pr.Beta,
			Spend:       pr.Spend,
			RewardSum:   pr.RewardSum,
			RewardSqSum: pr.RewardSqSum,
			Trials:      pr.Trials,
			UpdatedAt:   pr.UpdatedAt,
		})
		seen[pr.ArmID] = true
	}
	// An arm with no posterior row yet (never observed) gets the
	// Laplace-smoothed prior, not a missing entry.
	for _, armID := range armIDs {
		if !seen[armID] {
			posteriors = append(posteriors, NewArmPosterior(armID))
		}
	}

	return camp, posteriors, nil
}

// SaveCampaign upserts the campaign's mutable fields.
func (s *gormStore) SaveCampaign(ctx context.Context, c *arms.Campaign) error {
	row := CampaignRow{
		ID:            c.ID,
		Name:          c.Name,
		TotalBudget:   c.TotalBudget,
		Start:         c.Start,
		End:           c.End,
		Status:        string(c.Status),
		PrimaryKPI:    string(c.PrimaryKPI),
		RiskTolerance: c.RiskTolerance,
		VarianceLimit: c.VarianceLimit,
		CadenceMS:     c.Cadence.Milliseconds(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: save campaign %d: %w", c.ID, err)
	}
	return nil
}

// SaveArm upserts a to the arms table, keyed by campaign_id+arm_key, and
// writes the store-assigned ID back into a if it was newly inserted.
func (s *gormStore) SaveArm(ctx context.Context, a arms.Arm) error {
	row := ArmRow{
		ID:         a.ID,
		CampaignID: a.CampaignID,
		ArmKey:     a.Key(),
		Platform:   a.Platform,
		Channel:    a.Channel,
		Creative:   a.Creative,
		Bid:        a.Bid,
		Disabled:   a.Disabled,
	}
	if row.ID != 0 {
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("store: save arm %d: %w", a.ID, err)
		}
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: insert arm %s: %w", a.Key(), err)
	}
	if err := s.db.WithContext(ctx).Create(&PosteriorRow{ArmID: row.ID, Alpha: 1, Beta: 1, UpdatedAt: time.Now()}).Error; err != nil {
		return fmt.Errorf("store: seed posterior for arm %d: %w", row.ID, err)
	}
	return nil
}

// RecordMetric upserts m, relying on the unique index on (arm_id, ts,
// source) to make the call idempotent — I4.
func (s *gormStore) RecordMetric(ctx context.Context, m Metric) (RecordOutcome, error) {
	row := MetricRow{
		ArmID:       m.ArmID,
		CampaignID:  m.CampaignID,
		TS:          m.TS,
		Impressions: m.Impressions,
		Clicks:      m.Clicks,
		Conversions: m.Conversions,
		Cost:        m.Cost,
		Revenue:     m.Revenue,
		Source:      string(m.Source),
		Quality:     string(m.Quality),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return Inserted, fmt.Errorf("store: record metric for arm %d: %w", m.ArmID, res.Error)
	}
	if res.RowsAffected == 0 {
		return DuplicateIgnored, nil
	}
	return Inserted, nil
}

// AppendChange delegates to the changelog.Logger; store has no
// allocation_changes persistence logic of its own, avoiding a package
// cycle between store and changelog.
func (s *gormStore) AppendChange(ctx context.Context, c changelog.AllocationChange) error {
	if s.cl == nil {
		return fmt.Errorf("store: no change log wired")
	}
	return s.cl.Append(ctx, c)
}

// Snapshot returns the in-memory mirror for campaignID, refreshing it
// from the database first. The mirror exists so concurrent readers
// never block on the same lock the writers use.
func (s *gormStore) Snapshot(ctx context.Context, campaignID int64) (Snapshot, error) {
	_, posteriors, err := s.LoadCampaign(ctx, campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		CampaignID: campaignID,
		Posteriors: make(map[int64]ArmPosterior, len(posteriors)),
		TakenAt:    time.Now(),
	}
	for _, p := range posteriors {
		snap.Posteriors[p.ArmID] = p
	}
	s.snap.put(snap)
	return snap, nil
}

// JournalIntendedAllocation durably records the allocation a cycle is
// about to apply, before any SetBid call, so a crash mid-apply can be
// reconciled on restart.
func (s *gormStore) JournalIntendedAllocation(ctx context.Context, campaignID int64, alloc map[int64]float64) error {
	payload, err := encodeAllocation(alloc)
	if err != nil {
		return fmt.Errorf("store: encode intended allocation for campaign %d: %w", campaignID, err)
	}
	row := IntendedAllocationRow{CampaignID: campaignID, AllocJSON: payload, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: journal intended allocation for campaign %d: %w", campaignID, err)
	}
	return nil
}

// ReconcileJournal returns the last journaled intended allocation for
// campaignID, or nil if none was ever journaled.
func (s *gormStore) ReconcileJournal(ctx context.Context, campaignID int64) (map[int64]float64, error) {
	var row IntendedAllocationRow
	err := s.db.WithContext(ctx).First(&row, "campaign_id = ?", campaignID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reconcile journal for campaign %d: %w", campaignID, err)
	}
	return decodeAllocation(row.AllocJSON)
}

// ActiveOrPausedCampaignIDs lists every campaign the supervisor should
// load on startup.
func (s *gormStore) ActiveOrPausedCampaignIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&CampaignRow{}).
		Where("status IN ?", []string{string(arms.StatusActive), string(arms.StatusPaused)}).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("store: list active/paused campaigns: %w", err)
	}
	return ids, nil
}
