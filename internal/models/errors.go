package models

import "errors"

var (
	ErrInvalidConfiguration      = errors.New("invalid lottery configuration")
	ErrLotteryNotOpen            = errors.New("lottery is not open")
	ErrUnauthorized              = errors.New("caller is not the lottery authority")
	ErrRandomnessAlreadyRevealed = errors.New("randomness already revealed")
	ErrLotteryNotCompleted       = errors.New("lottery not completed")
	ErrWinnerChosen              = errors.New("winner already chosen")
	ErrRandomnessNotResolved     = errors.New("randomness not resolved")

	ErrInvalidPayment     = errors.New("payment does not match ticket price")
	ErrNoTicketsSold      = errors.New("no tickets sold")
	ErrAlreadyInitialized = errors.New("lottery already initialized")
	ErrNotFound           = errors.New("lottery not found")
	ErrUnknownRandomness  = errors.New("unknown randomness handle")
	// ErrConflict is returned when a mutation kept losing the race for the
	// record. The caller may retry.
	ErrConflict = errors.New("lottery record changed concurrently")
)

// Retryable reports whether err may succeed if the caller retries later.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrLotteryNotOpen),
		errors.Is(err, ErrLotteryNotCompleted),
		errors.Is(err, ErrRandomnessNotResolved),
		errors.Is(err, ErrConflict):
		return true
	}
	return false
}
