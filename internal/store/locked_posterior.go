package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/errs"
)

// lockWaitTimeout bounds how long UpdatePosterior waits to acquire the
// per-arm row lock before treating the attempt as a failure, per spec
// §7 class 5.
const lockWaitTimeout = 3 * time.Second

// UpdatePosterior applies delta to arm armID's posterior row inside a
// transaction that holds a SELECT ... FOR UPDATE lock for its duration.
// GORM has no clean way to express a row lock held across a read-modify-
// write; this is the one place the store drops to raw database/sql.
//
// A lock-wait timeout is retried once against a fresh transaction; a
// second timeout escalates to a ConcurrencyError, which the scheduler
// treats as grounds to move the campaign to Errored.
func (s *gormStore) UpdatePosterior(ctx context.Context, armID int64, delta PosteriorDelta) error {
	err := s.updatePosteriorOnce(ctx, armID, delta)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !isLockTimeout(err) {
		return err
	}
	err = s.updatePosteriorOnce(ctx, armID, delta)
	if err == nil {
		return nil
	}
	return errs.NewConcurrency(armID, err)
}

func (s *gormStore) updatePosteriorOnce(ctx context.Context, armID int64, delta PosteriorDelta) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockWaitTimeout)
	defer cancel()

	tx, err := s.raw.BeginTx(lockCtx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("store: begin posterior tx for arm %d: %w", armID, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var p ArmPosterior
	p.ArmID = armID
	row := tx.QueryRowContext(lockCtx,
		`SELECT alpha, beta, spend, reward_sum, reward_sq_sum, trials
		   FROM posteriors WHERE arm_id = $1 FOR UPDATE`, armID)
	err = row.Scan(&p.Alpha, &p.Beta, &p.Spend, &p.RewardSum, &p.RewardSqSum, &p.Trials)
	if err == sql.ErrNoRows {
		p = NewArmPosterior(armID)
		_, err = tx.ExecContext(lockCtx,
			`INSERT INTO posteriors (arm_id, alpha, beta, spend, reward_sum, reward_sq_sum, trials, updated_at)
			 VALUES ($1, $2, $3, 0, 0, 0, 0, $4)`, armID, p.Alpha, p.Beta, time.Now())
		if err != nil {
			return fmt.Errorf("store: seed posterior for arm %d: %w", armID, err)
		}
	} else if err != nil {
		return fmt.Errorf("store: lock posterior for arm %d: %w", armID, err)
	}

	p.Alpha += delta.AlphaDelta
	p.Beta += delta.BetaDelta
	p.Spend += delta.CostDelta
	p.RewardSum += delta.RewardDelta
	p.RewardSqSum += delta.RewardSqDelta
	p.Trials += delta.TrialsDelta
	if p.Alpha < 1 {
		p.Alpha = 1
	}
	if p.Beta < 1 {
		p.Beta = 1
	}

	_, err = tx.ExecContext(lockCtx,
		`UPDATE posteriors
		    SET alpha = $1, beta = $2, spend = $3, reward_sum = $4, reward_sq_sum = $5, trials = $6, updated_at = $7
		  WHERE arm_id = $8`,
		p.Alpha, p.Beta, p.Spend, p.RewardSum, p.RewardSqSum, p.Trials, time.Now(), armID)
	if err != nil {
		return fmt.Errorf("store: apply posterior delta for arm %d: %w", armID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit posterior update for arm %d: %w", armID, err)
	}
	committed = true
	return nil
}

// isLockTimeout reports whether err looks like a Postgres lock-wait
// timeout (SQLSTATE 55P03) surfaced through lib/pq, without importing
// lib/pq's error type directly in the hot path.
func isLockTimeout(err error) bool {
	return err != nil && (errors.Is(err, context.DeadlineExceeded) || strings.Contains(strings.ToLower(err.Error()), "lock timeout"))
}
