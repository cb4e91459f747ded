package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// RetentionJob periodically prunes allocation_changes rows older than
// retentionDays, archiving them first if coldStorageDir is set.
type RetentionJob struct {
	logger         *Logger
	retentionDays  int
	coldStorageDir string
	done           chan bool
}

// NewRetentionJob wires a RetentionJob against logger. coldStorageDir
// may be empty, in which case pruned rows are simply discarded.
func NewRetentionJob(logger *Logger, retentionDays int, coldStorageDir string) *RetentionJob {
	return &RetentionJob{
		logger:         logger,
		retentionDays:  retentionDays,
		coldStorageDir: coldStorageDir,
		done:           make(chan bool),
	}
}

// Start begins the daily prune loop.
func (j *RetentionJob) Start() {
	log.Println("🗄️  Change log retention job started")

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	j.run()

	for {
		select {
		case <-ticker.C:
			j.run()
		case <-j.done:
			log.Println("🗄️  Change log retention job stopped")
			return
		}
	}
}

// Stop stops the prune loop.
func (j *RetentionJob) Stop() {
	j.done <- true
}

func (j *RetentionJob) run() {
	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if j.coldStorageDir != "" {
		if err := j.archive(ctx, cutoff); err != nil {
			log.Printf("⚠️  Change log archive failed, skipping prune this run: %v", err)
			return
		}
	}

	n, err := j.logger.PruneOlderThan(ctx, cutoff)
	if err != nil {
		log.Printf("⚠️  Change log prune failed: %v", err)
		return
	}
	log.Printf("🗄️  Change log retention: pruned %d rows older than %s", n, cutoff.Format(time.RFC3339))
}

func (j *RetentionJob) archive(ctx context.Context, cutoff time.Time) error {
	rows, err := j.logger.RowsOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention: load rows to archive: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	if err := os.MkdirAll(j.coldStorageDir, 0o755); err != nil {
		return fmt.Errorf("retention: mkdir cold storage: %w", err)
	}
	name := fmt.Sprintf("allocation_changes-%s.ndjson", time.Now().Format("20060102-150405"))
	path := filepath.Join(j.coldStorageDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("retention: create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("retention: write archive row: %w", err)
		}
	}
	log.Printf("🗄️  Archived %d change log rows to %s", len(rows), path)
	return nil
}
