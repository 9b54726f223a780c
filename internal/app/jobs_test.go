package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/config"
	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/domain"
)

type jobsRepoStub struct {
	mu sync.Mutex

	unsettled    []domain.Account
	unsettledErr error
	stale        []domain.Account
	staleErr     error

	claimDenied map[string]bool
	// claimed rows as MarkSettling returns them; falls back to the
	// unsettled listing when an address has no entry here.
	current   map[string]domain.Account
	recordErr error

	settled  map[string]int64
	reverted []string
	failed   []string
}

func (s *jobsRepoStub) ListUnsettled(ctx context.Context) ([]domain.Account, error) {
	if s.unsettledErr != nil {
		return nil, s.unsettledErr
	}
	return s.unsettled, nil
}

func (s *jobsRepoStub) MarkSettling(ctx context.Context, ethAddress string) (*domain.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimDenied[ethAddress] {
		return nil, false, nil
	}
	if acct, ok := s.current[ethAddress]; ok {
		acct.Status = domain.StatusSettling
		return &acct, true, nil
	}
	for _, acct := range s.unsettled {
		if acct.EthAddress == ethAddress {
			acct.Status = domain.StatusSettling
			return &acct, true, nil
		}
	}
	return nil, false, nil
}

func (s *jobsRepoStub) RecordSettlement(ctx context.Context, ethAddress string, settledDelta int64) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled == nil {
		s.settled = make(map[string]int64)
	}
	s.settled[ethAddress] += settledDelta
	return nil
}

func (s *jobsRepoStub) RevertSettling(ctx context.Context, ethAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reverted = append(s.reverted, ethAddress)
	return nil
}

func (s *jobsRepoStub) MarkFailed(ctx context.Context, ethAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, ethAddress)
	return nil
}

func (s *jobsRepoStub) ListStaleSettling(ctx context.Context, olderThan time.Time) ([]domain.Account, error) {
	if s.staleErr != nil {
		return nil, s.staleErr
	}
	return s.stale, nil
}

type ledgerStub struct {
	mu sync.Mutex

	status     domain.TransferStatus
	submitErr  error
	balance    int64
	balanceErr error

	submissions []submission
}

type submission struct {
	destination string
	quantity    int64
	key         string
}

func (l *ledgerStub) SubmitTransfer(ctx context.Context, destination string, quantity int64, idempotencyKey string) (domain.TransferStatus, error) {
	l.mu.Lock()
	l.submissions = append(l.submissions, submission{destination: destination, quantity: quantity, key: idempotencyKey})
	l.mu.Unlock()
	if l.submitErr != nil {
		return domain.TransferPending, l.submitErr
	}
	return l.status, nil
}

func (l *ledgerStub) QueryMosaicBalance(ctx context.Context, address string) (int64, error) {
	if l.balanceErr != nil {
		return 0, l.balanceErr
	}
	return l.balance, nil
}

func newTestJobs(repo Repository, ledger LedgerClient) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(repo, ledger, logger, config.Config{
		MaxInFlightTransfers:      4,
		SettlingStaleAfterSeconds: 600,
	})
}

func unsettledAccount(eth, nem string, accrued, settled int64) domain.Account {
	return domain.Account{
		EthAddress:    eth,
		NemAddress:    nem,
		AccruedAmount: accrued,
		SettledAmount: settled,
		Status:        domain.StatusPending,
	}
}

func TestSettleAccounts_ConfirmedTransferRecordsFullDelta(t *testing.T) {
	repo := &jobsRepoStub{unsettled: []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1000, 0)}}
	ledger := &ledgerStub{status: domain.TransferConfirmed}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if repo.settled["0xabc"] != 1000 {
		t.Fatalf("expected settled delta 1000, got %d", repo.settled["0xabc"])
	}
	if len(ledger.submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(ledger.submissions))
	}
	sub := ledger.submissions[0]
	if sub.destination != "TBHKRY" || sub.quantity != 1000 {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if sub.key != "0xabc:0" {
		t.Fatalf("expected idempotency key tied to the settled snapshot, got %q", sub.key)
	}
}

func TestSettleAccounts_RejectedTransferMarksFailed(t *testing.T) {
	repo := &jobsRepoStub{unsettled: []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1000, 0)}}
	ledger := &ledgerStub{status: domain.TransferRejected}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(repo.failed) != 1 || repo.failed[0] != "0xabc" {
		t.Fatalf("expected account marked failed, got %v", repo.failed)
	}
	if repo.settled["0xabc"] != 0 {
		t.Fatalf("expected settled amount unchanged, got %d", repo.settled["0xabc"])
	}
	if len(repo.reverted) != 0 {
		t.Fatalf("expected no revert on terminal rejection, got %v", repo.reverted)
	}
}

func TestSettleAccounts_PendingTransferLeavesClaimHeld(t *testing.T) {
	repo := &jobsRepoStub{unsettled: []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1000, 0)}}
	ledger := &ledgerStub{status: domain.TransferPending}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(repo.reverted) != 0 || len(repo.failed) != 0 || len(repo.settled) != 0 {
		t.Fatalf("expected no state change for pending outcome: reverted=%v failed=%v settled=%v",
			repo.reverted, repo.failed, repo.settled)
	}
}

func TestSettleAccounts_SubmitErrorRevertsClaim(t *testing.T) {
	repo := &jobsRepoStub{unsettled: []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1000, 0)}}
	ledger := &ledgerStub{submitErr: errors.New("marshal failure")}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(repo.reverted) != 1 || repo.reverted[0] != "0xabc" {
		t.Fatalf("expected claim reverted after submit error, got %v", repo.reverted)
	}
}

func TestSettleAccounts_LostClaimSkipsSubmission(t *testing.T) {
	repo := &jobsRepoStub{
		unsettled:   []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1000, 0)},
		claimDenied: map[string]bool{"0xabc": true},
	}
	ledger := &ledgerStub{status: domain.TransferConfirmed}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(ledger.submissions) != 0 {
		t.Fatalf("expected no submission when the claim is held elsewhere, got %d", len(ledger.submissions))
	}
}

func TestSettleAccounts_PartiallySettledSubmitsRemainingDelta(t *testing.T) {
	repo := &jobsRepoStub{unsettled: []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1500, 1000)}}
	ledger := &ledgerStub{status: domain.TransferConfirmed}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(ledger.submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(ledger.submissions))
	}
	if ledger.submissions[0].quantity != 500 {
		t.Fatalf("expected remaining delta 500, got %d", ledger.submissions[0].quantity)
	}
	if ledger.submissions[0].key != "0xabc:1000" {
		t.Fatalf("expected key for the new settled snapshot, got %q", ledger.submissions[0].key)
	}
}

func TestSettleAccounts_UsesBalancesFromClaimedRow(t *testing.T) {
	// An overlapping tick scenario: this tick listed the account before a
	// concurrent settlement and a fresh credit landed. By claim time the
	// row reads accrued=1500/settled=1000, so only 500 is owed and the
	// idempotency key must come from the new settled snapshot; replaying
	// the stale listing (delta 1000, key "0xabc:0") would overpay.
	repo := &jobsRepoStub{
		unsettled: []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1000, 0)},
		current: map[string]domain.Account{
			"0xabc": unsettledAccount("0xabc", "TBHKRY", 1500, 1000),
		},
	}
	ledger := &ledgerStub{status: domain.TransferConfirmed}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(ledger.submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(ledger.submissions))
	}
	sub := ledger.submissions[0]
	if sub.quantity != 500 {
		t.Fatalf("expected the delta owed at claim time (500), got %d", sub.quantity)
	}
	if sub.key != "0xabc:1000" {
		t.Fatalf("expected idempotency key from the claimed snapshot, got %q", sub.key)
	}
	if repo.settled["0xabc"] != 500 {
		t.Fatalf("expected settlement of 500 recorded, got %d", repo.settled["0xabc"])
	}
}

func TestSettleAccounts_NothingOwedAtClaimTimeReleasesClaim(t *testing.T) {
	// The extreme form of the stale-listing race: by claim time the
	// account is fully paid out. The claim must be released without
	// touching the ledger.
	repo := &jobsRepoStub{
		unsettled: []domain.Account{unsettledAccount("0xabc", "TBHKRY", 1000, 0)},
		current: map[string]domain.Account{
			"0xabc": unsettledAccount("0xabc", "TBHKRY", 1000, 1000),
		},
	}
	ledger := &ledgerStub{status: domain.TransferConfirmed}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(ledger.submissions) != 0 {
		t.Fatalf("expected no submission when nothing is owed, got %d", len(ledger.submissions))
	}
	if len(repo.reverted) != 1 || repo.reverted[0] != "0xabc" {
		t.Fatalf("expected claim released, got %v", repo.reverted)
	}
}

func TestSettleAccounts_ListErrorDoesNothing(t *testing.T) {
	repo := &jobsRepoStub{unsettledErr: errors.New("db unavailable")}
	ledger := &ledgerStub{status: domain.TransferConfirmed}
	jobs := newTestJobs(repo, ledger)

	jobs.SettleAccounts()

	if len(ledger.submissions) != 0 {
		t.Fatalf("expected no submissions when listing fails, got %d", len(ledger.submissions))
	}
}

func staleAccount(eth, nem string, accrued, settled int64) domain.Account {
	settlingAt := time.Now().Add(-time.Hour)
	return domain.Account{
		EthAddress:    eth,
		NemAddress:    nem,
		AccruedAmount: accrued,
		SettledAmount: settled,
		Status:        domain.StatusSettling,
		SettlingAt:    &settlingAt,
	}
}

func TestReleaseStaleSettlements_TransferLandedRecordsDelta(t *testing.T) {
	repo := &jobsRepoStub{stale: []domain.Account{staleAccount("0xabc", "TBHKRY", 1000, 0)}}
	ledger := &ledgerStub{balance: 1000}
	jobs := newTestJobs(repo, ledger)

	jobs.ReleaseStaleSettlements()

	if repo.settled["0xabc"] != 1000 {
		t.Fatalf("expected recovered settlement of 1000, got %d", repo.settled["0xabc"])
	}
	if len(repo.reverted) != 0 {
		t.Fatalf("expected no revert when the transfer landed, got %v", repo.reverted)
	}
}

func TestReleaseStaleSettlements_TransferLostRevertsClaim(t *testing.T) {
	repo := &jobsRepoStub{stale: []domain.Account{staleAccount("0xabc", "TBHKRY", 1000, 0)}}
	ledger := &ledgerStub{balance: 0}
	jobs := newTestJobs(repo, ledger)

	jobs.ReleaseStaleSettlements()

	if len(repo.reverted) != 1 || repo.reverted[0] != "0xabc" {
		t.Fatalf("expected stale claim reverted, got %v", repo.reverted)
	}
	if len(repo.settled) != 0 {
		t.Fatalf("expected nothing recorded, got %v", repo.settled)
	}
}

func TestReleaseStaleSettlements_BalanceQueryFailureRevertsClaim(t *testing.T) {
	repo := &jobsRepoStub{stale: []domain.Account{staleAccount("0xabc", "TBHKRY", 1000, 0)}}
	ledger := &ledgerStub{balanceErr: errors.New("node unavailable")}
	jobs := newTestJobs(repo, ledger)

	jobs.ReleaseStaleSettlements()

	if len(repo.reverted) != 1 {
		t.Fatalf("expected revert when the balance cannot be verified, got %v", repo.reverted)
	}
}
