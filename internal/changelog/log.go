package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row is the GORM model backing the allocation_changes table, the
// persisted form of an AllocationChange.
type Row struct {
	ID            int64 `gorm:"primaryKey"`
	TS            time.Time
	CampaignID    int64 `gorm:"index:idx_campaign_ts,priority:1"`
	ArmID         int64
	OldAlloc      float64
	NewAlloc      float64
	ChangePct     float64
	Reason        string
	FactorsJSON   []byte
	MMMJSON       []byte
	InitiatedBy   string
	StateSnapshot []byte
}

// TableName pins the table name so a renamed Go type never renames the
// underlying table.
func (Row) TableName() string { return "allocation_changes" }

func (r Row) toAllocationChange() (AllocationChange, error) {
	ac := AllocationChange{
		ID:            r.ID,
		TS:            r.TS,
		CampaignID:    r.CampaignID,
		ArmID:         r.ArmID,
		OldAlloc:      r.OldAlloc,
		NewAlloc:      r.NewAlloc,
		ChangePct:     r.ChangePct,
		Reason:        r.Reason,
		InitiatedBy:   InitiatedBy(r.InitiatedBy),
		StateSnapshot: r.StateSnapshot,
	}
	if len(r.FactorsJSON) > 0 {
		if err := json.Unmarshal(r.FactorsJSON, &ac.Factors); err != nil {
			return ac, fmt.Errorf("changelog: decode factors: %w", err)
		}
	}
	if len(r.MMMJSON) > 0 {
		if err := json.Unmarshal(r.MMMJSON, &ac.MMMFactors); err != nil {
			return ac, fmt.Errorf("changelog: decode mmm_factors: %w", err)
		}
	}
	return ac, nil
}

// Logger owns the append-only allocation_changes table and fans every
// commit out to the ops stream, best-effort.
type Logger struct {
	db     *gorm.DB
	stream *Hub
}

// NewLogger wires a Logger against an already-migrated *gorm.DB.
func NewLogger(db *gorm.DB, hub *Hub) *Logger {
	return &Logger{db: db, stream: hub}
}

// Migrate creates/updates the allocation_changes table.
func (l *Logger) Migrate() error {
	return l.db.AutoMigrate(&Row{})
}

// Append persists one AllocationChange and broadcasts it to the ops
// stream. Appends are never updated or deleted except by retention.
func (l *Logger) Append(ctx context.Context, c AllocationChange) error {
	factorsJSON, err := json.Marshal(c.Factors)
	if err != nil {
		return fmt.Errorf("changelog: encode factors: %w", err)
	}
	mmmJSON, err := json.Marshal(c.MMMFactors)
	if err != nil {
		return fmt.Errorf("changelog: encode mmm_factors: %w", err)
	}
	row := Row{
		TS:            c.TS,
		CampaignID:    c.CampaignID,
		ArmID:         c.ArmID,
		OldAlloc:      c.OldAlloc,
		NewAlloc:      c.NewAlloc,
		ChangePct:     c.ChangePct,
		Reason:        c.Reason,
		FactorsJSON:   factorsJSON,
		MMMJSON:       mmmJSON,
		InitiatedBy:   string(c.InitiatedBy),
		StateSnapshot: c.StateSnapshot,
	}
	if err := l.db.WithContext(ctx).Clauses(clause.Returning{}).Create(&row).Error; err != nil {
		return fmt.Errorf("changelog: append: %w", err)
	}
	c.ID = row.ID
	if l.stream != nil {
		l.stream.Broadcast(c)
	}
	return nil
}

// Range returns every change for campaignID with ts in [from, to), oldest
// first, for range queries such as the out-of-scope read API's.
func (l *Logger) Range(ctx context.Context, campaignID int64, from, to time.Time) ([]AllocationChange, error) {
	var rows []Row
	err := l.db.WithContext(ctx).
		Where("campaign_id = ? AND ts >= ? AND ts < ?", campaignID, from, to).
		Order("ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("changelog: range query: %w", err)
	}
	out := make([]AllocationChange, 0, len(rows))
	for _, r := range rows {
		ac, err := r.toAllocationChange()
		if err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, nil
}

// PruneOlderThan deletes every row with ts < cutoff and returns the
// number of rows removed, for the daily retention job.
func (l *Logger) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := l.db.WithContext(ctx).Where("ts < ?", cutoff).Delete(&Row{})
	if res.Error != nil {
		return 0, fmt.Errorf("changelog: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RowsOlderThan loads every row with ts < cutoff, for archival before
// PruneOlderThan deletes them.
func (l *Logger) RowsOlderThan(ctx context.Context, cutoff time.Time) ([]AllocationChange, error) {
	var rows []Row
	err := l.db.WithContext(ctx).Where("ts < ?", cutoff).Order("ts ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("changelog: load for archive: %w", err)
	}
	out := make([]AllocationChange, 0, len(rows))
	for _, r := range rows {
		ac, err := r.toAllocationChange()
		if err != nil {
			return nil, err
		}
		out = append(out, ac)
	}
	return out, nil
}
