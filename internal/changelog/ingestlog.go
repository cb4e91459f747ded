package changelog

import (
	"context"
	"fmt"
	"time"
)

// IngestAttempt is one poll or webhook call to a vendor platform,
// success or failure — the audit trail C4's poller and webhook server
// both write to, distinct from the AllocationChange stream. Grounded on
// original_source/db_helpers.py's log_api_call / APILog.
type IngestAttempt struct {
	ID           int64
	TS           time.Time
	Platform     string
	Endpoint     string
	Method       string
	StatusCode   int
	ResponseTime time.Duration
	Success      bool
	ErrorMessage string
}

// ingestAttemptRow is the GORM model backing the ingest_attempts table.
type ingestAttemptRow struct {
	ID             int64 `gorm:"primaryKey"`
	TS             time.Time
	Platform       string `gorm:"index:idx_platform_ts,priority:1"`
	Endpoint       string
	Method         string
	StatusCode     int
	ResponseTimeMs int64
	Success        bool
	ErrorMessage   string
}

func (ingestAttemptRow) TableName() string { return "ingest_attempts" }

// MigrateIngestLog creates/updates the ingest_attempts table. Kept
// separate from Migrate so a deployment that never enables any platform
// poller can skip it.
func (l *Logger) MigrateIngestLog() error {
	return l.db.AutoMigrate(&ingestAttemptRow{})
}

// LogIngestAttempt records one poll or webhook delivery attempt. It
// never returns an error that should abort the calling poll/webhook
// path — a failure to log is itself only logged by the caller.
func (l *Logger) LogIngestAttempt(ctx context.Context, a IngestAttempt) error {
	row := ingestAttemptRow{
		TS:             a.TS,
		Platform:       a.Platform,
		Endpoint:       a.Endpoint,
		Method:         a.Method,
		StatusCode:     a.StatusCode,
		ResponseTimeMs: a.ResponseTime.Milliseconds(),
		Success:        a.Success,
		ErrorMessage:   a.ErrorMessage,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("changelog: log ingest attempt: %w", err)
	}
	return nil
}
