/**
 * @description
 * Scheduled job implementations for the action processor: the settlement
 * tick that pays out accrued balances, and the recovery sweep that frees
 * accounts a crashed process left claimed.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/config"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/domain"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/metrics"
)

// Repository defines database operations needed by the jobs.
type Repository interface {
	ListUnsettled(ctx context.Context) ([]domain.Account, error)
	MarkSettling(ctx context.Context, ethAddress string) (*domain.Account, bool, error)
	RecordSettlement(ctx context.Context, ethAddress string, settledDelta int64) error
	RevertSettling(ctx context.Context, ethAddress string) error
	MarkFailed(ctx context.Context, ethAddress string) error
	ListStaleSettling(ctx context.Context, olderThan time.Time) ([]domain.Account, error)
}

// LedgerClient defines the interface for submitting transfers on the
// settlement ledger and reading balances back.
type LedgerClient interface {
	SubmitTransfer(ctx context.Context, destination string, quantity int64, idempotencyKey string) (domain.TransferStatus, error)
	QueryMosaicBalance(ctx context.Context, address string) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo   Repository
	ledger LedgerClient
	logger *slog.Logger
	config config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo Repository, ledger LedgerClient, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:   repo,
		ledger: ledger,
		logger: logger,
		config: cfg,
	}
}

// idempotencyKey ties a submission to the account and the settled snapshot
// it was computed from, so resubmitting the same delta reuses the same key.
func idempotencyKey(acct domain.Account) string {
	return fmt.Sprintf("%s:%d", acct.EthAddress, acct.SettledAmount)
}

// SettleAccounts is the settlement tick. Accounts are claimed one by one
// with the PENDING -> SETTLING compare-and-swap, then settled concurrently;
// the claim is what serializes per-account work across overlapping ticks.
func (j *Jobs) SettleAccounts() {
	start := time.Now()
	ctx := context.Background()

	accounts, err := j.repo.ListUnsettled(ctx)
	if err != nil {
		j.logger.Error("failed to list unsettled accounts", "error", err)
		return
	}

	if len(accounts) == 0 {
		return
	}

	j.logger.Info("found accounts to settle", "count", len(accounts))

	maxInFlight := j.config.MaxInFlightTransfers
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	sem := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup

	for _, acct := range accounts {
		// Settle from the row the claim returns, not the listing: a credit
		// or an overlapping tick's settlement may have moved the balances
		// since the snapshot was taken.
		claimed, acquired, err := j.repo.MarkSettling(ctx, acct.EthAddress)
		if err != nil {
			j.logger.Error("failed to claim account", "eth_address", acct.EthAddress, "error", err)
			continue
		}
		if !acquired {
			// Another tick (or a recovering crashed attempt) holds it.
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(acct domain.Account) {
			defer wg.Done()
			defer func() { <-sem }()
			j.settleOne(acct)
		}(*claimed)
	}

	wg.Wait()
	metrics.SettlementTickLatency.Observe(time.Since(start).Seconds())
}

func (j *Jobs) settleOne(acct domain.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	delta := acct.UnsettledAmount()
	if delta <= 0 {
		if err := j.repo.RevertSettling(ctx, acct.EthAddress); err != nil {
			j.logger.Error("failed to release claim on settled account", "eth_address", acct.EthAddress, "error", err)
		}
		return
	}
	key := idempotencyKey(acct)

	j.logger.Info("settling account",
		"eth_address", acct.EthAddress, "nem_address", acct.NemAddress, "delta", delta)

	status, err := j.ledger.SubmitTransfer(ctx, acct.NemAddress, delta, key)
	if err != nil {
		j.logger.Error("transfer submission failed", "eth_address", acct.EthAddress, "error", err)
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		if revertErr := j.repo.RevertSettling(ctx, acct.EthAddress); revertErr != nil {
			j.logger.Error("failed to revert settling claim", "eth_address", acct.EthAddress, "error", revertErr)
		}
		return
	}

	switch status {
	case domain.TransferConfirmed:
		if err := j.repo.RecordSettlement(ctx, acct.EthAddress, delta); err != nil {
			j.logger.Error("failed to record settlement", "eth_address", acct.EthAddress, "delta", delta, "error", err)
			return
		}
		metrics.SettlementsTotal.WithLabelValues("confirmed").Inc()
		j.logger.Info("settlement confirmed", "eth_address", acct.EthAddress, "delta", delta)

	case domain.TransferRejected:
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		j.logger.Error("transfer rejected; account needs operator review",
			"eth_address", acct.EthAddress, "nem_address", acct.NemAddress, "delta", delta)
		if err := j.repo.MarkFailed(ctx, acct.EthAddress); err != nil {
			j.logger.Error("failed to mark account failed", "eth_address", acct.EthAddress, "error", err)
		}

	default:
		// Outcome unknown: the account stays SETTLING and the stale-claim
		// sweep resolves it once the deadline window gives a verdict.
		metrics.SettlementsTotal.WithLabelValues("pending").Inc()
		j.logger.Warn("transfer outcome pending", "eth_address", acct.EthAddress, "delta", delta)
	}
}

// ReleaseStaleSettlements recovers accounts stuck in SETTLING beyond the
// configured threshold, typically after a crash mid-submission. The mosaic
// balance on the destination decides whether the in-flight transfer landed:
// if the destination holds at least the expected total, the delta is
// recorded; otherwise the claim is reverted and the next tick resubmits
// under the same idempotency key.
func (j *Jobs) ReleaseStaleSettlements() {
	ctx := context.Background()
	cutoff := time.Now().Add(-time.Duration(j.config.SettlingStaleAfterSeconds) * time.Second)

	accounts, err := j.repo.ListStaleSettling(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to list stale settling accounts", "error", err)
		return
	}

	for _, acct := range accounts {
		delta := acct.UnsettledAmount()
		j.logger.Warn("recovering stale settling claim",
			"eth_address", acct.EthAddress, "delta", delta, "settling_at", acct.SettlingAt)

		balance, err := j.ledger.QueryMosaicBalance(ctx, acct.NemAddress)
		if err != nil {
			// Reverting is safe: a resubmission reuses the idempotency key
			// for the same settled snapshot.
			j.logger.Error("balance query failed; reverting claim", "eth_address", acct.EthAddress, "error", err)
			if revertErr := j.repo.RevertSettling(ctx, acct.EthAddress); revertErr != nil {
				j.logger.Error("failed to revert settling claim", "eth_address", acct.EthAddress, "error", revertErr)
			}
			metrics.StaleSettlingReleased.WithLabelValues("reverted").Inc()
			continue
		}

		if balance >= acct.SettledAmount+delta {
			if err := j.repo.RecordSettlement(ctx, acct.EthAddress, delta); err != nil {
				j.logger.Error("failed to record recovered settlement", "eth_address", acct.EthAddress, "error", err)
				continue
			}
			metrics.StaleSettlingReleased.WithLabelValues("completed").Inc()
			j.logger.Info("stale settlement had landed; recorded", "eth_address", acct.EthAddress, "delta", delta)
		} else {
			if err := j.repo.RevertSettling(ctx, acct.EthAddress); err != nil {
				j.logger.Error("failed to revert settling claim", "eth_address", acct.EthAddress, "error", err)
				continue
			}
			metrics.StaleSettlingReleased.WithLabelValues("reverted").Inc()
			j.logger.Info("stale settlement not found on chain; reverted", "eth_address", acct.EthAddress, "delta", delta)
		}
	}
}
