package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/treufabrik/dirigent/pkg/store"
)

const catchupTimeout = 2 * time.Minute

// spawnBillingCatchup launches the supervised catch-up task for the pair.
// The billing:catchup:{user}:{company} key dedups runs to one per hour
// across all instances; the wallet lock is fail-open so a wobbly KV store
// never blocks settlement.
func (m *Manager) spawnBillingCatchup(userID, companyID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Billing catch-up panicked",
					"user_id", userID,
					"company_id", companyID,
					"panic", r)
			}
		}()
		m.runBillingCatchup(userID, companyID)
	}()
}

func (m *Manager) runBillingCatchup(userID, companyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), catchupTimeout)
	defer cancel()

	dedupKey := store.BillingCatchupKey(userID, companyID)
	if !m.kv.SetNX(ctx, dedupKey, []byte("1"), store.BillingCatchupTTL) {
		return // ran within the current window, or store down (skip, next ensure retries)
	}

	lock, acquired := m.locker.AcquireFailOpen(ctx, store.BillingBalanceLockKey(userID), store.BillingBalanceTTL)
	if !acquired {
		slog.Warn("Billing catch-up skipped, wallet locked",
			"user_id", userID,
			"company_id", companyID)
		_ = m.kv.Del(ctx, dedupKey)
		return
	}
	defer lock.Release(ctx)

	if m.settle == nil {
		slog.Debug("Billing catch-up no-op, no settler configured",
			"user_id", userID,
			"company_id", companyID)
		return
	}

	if err := m.settle(ctx, userID, companyID); err != nil {
		slog.Error("Billing catch-up failed",
			"user_id", userID,
			"company_id", companyID,
			"error", err)
		// Drop the dedup key so the next ensure retries instead of waiting
		// out the full window.
		_ = m.kv.Del(ctx, dedupKey)
		return
	}
	slog.Info("Billing catch-up completed", "user_id", userID, "company_id", companyID)
}
