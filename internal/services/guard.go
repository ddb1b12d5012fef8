package services

import (
	"fmt"

	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
)

// requireAuthority rejects callers other than the lottery authority.
func requireAuthority(rec *models.Record, caller string) error {
	if caller == "" || caller != rec.Authority {
		return fmt.Errorf("%w: %q", models.ErrUnauthorized, caller)
	}
	return nil
}

// requireOpen accepts now in [StartTime, EndTime) while tickets are on sale.
func requireOpen(rec *models.Record, now uint64) error {
	if now < rec.StartTime || now >= rec.EndTime {
		return fmt.Errorf("%w: time %d outside [%d, %d)", models.ErrLotteryNotOpen, now, rec.StartTime, rec.EndTime)
	}
	if _, ok := rec.State.(models.Created); !ok {
		return fmt.Errorf("%w: lottery is %s", models.ErrLotteryNotOpen, rec.Stage())
	}
	return nil
}

func requireCompleted(rec *models.Record, now uint64) error {
	if now < rec.EndTime {
		return fmt.Errorf("%w: time %d before end %d", models.ErrLotteryNotCompleted, now, rec.EndTime)
	}
	return nil
}

// requireFreshCommit accepts randomness fixed exactly one marker before now.
// Older randomness may already be readable by the caller; newer randomness
// cannot have been fixed by an independent source yet.
func requireFreshCommit(commitTime, now uint64) error {
	if now == 0 || commitTime != now-1 {
		return fmt.Errorf("%w: committed at %d, now %d", models.ErrRandomnessAlreadyRevealed, commitTime, now)
	}
	return nil
}

// requireUnrevealed rejects randomness whose value can already be read at now.
func requireUnrevealed(r oracle.Randomness, now uint64) error {
	if _, err := r.Resolve(now); err == nil {
		return fmt.Errorf("%w: %s is already resolvable at %d", models.ErrRandomnessAlreadyRevealed, r.ID(), now)
	}
	return nil
}
