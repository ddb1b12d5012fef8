// Package payments is an in-process stand-in for the payment service that
// moves ticket prices into a lottery pot.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/logger"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Vault keeps account balances in memory.
type Vault struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewVault creates an empty Vault.
func NewVault() *Vault {
	return &Vault{balances: make(map[string]uint64)}
}

// PotAccount names the account holding a lottery's pot. The name holds no
// '/' so it fits in a single URL path segment.
func PotAccount(lotteryKey string) string {
	return "pot:" + strings.ReplaceAll(lotteryKey, "/", ":")
}

// Deposit credits amount to account and returns the new balance.
func (v *Vault) Deposit(_ context.Context, account string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[account] += amount
	return v.balances[account], nil
}

// Balance returns the balance of account.
func (v *Vault) Balance(_ context.Context, account string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[account]
}

// Transfer moves amount from payer to payee, or fails with ErrInsufficientFunds.
func (v *Vault) Transfer(_ context.Context, payer, payee string, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[payer] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, payer, v.balances[payer], amount)
	}
	v.balances[payer] -= amount
	v.balances[payee] += amount
	logger.Infof("payments: transferred %d from %s to %s", amount, payer, payee)
	return nil
}
