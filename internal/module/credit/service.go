package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeductResult describes a successful deduction.
type DeductResult struct {
	Cost    int64
	Balance int64
}

// Service is the credit ledger. It owns the cost table, the lazy period
// reset, and the deduct/refund/finalize lifecycle of a generation request.
type Service struct {
	repo       Repository
	costs      CostTable
	allotments Allotments
	log        *zap.Logger
	now        func() time.Time
}

// NewService creates the credit ledger service.
func NewService(repo Repository, costs CostTable, allotments Allotments, log *zap.Logger) *Service {
	return &Service{
		repo:       repo,
		costs:      costs,
		allotments: allotments,
		log:        log,
		now:        time.Now,
	}
}

// Cost returns the credit cost of an action.
func (s *Service) Cost(action Action) int64 {
	return s.costs.Cost(action)
}

// Account returns the user's account with the lazy period reset applied,
// creating a free account on first contact.
func (s *Service) Account(ctx context.Context, userID uuid.UUID) (*Account, error) {
	account, err := s.repo.GetOrCreateAccount(ctx, userID, PlanFree, s.allotments.Free, s.now())
	if err != nil {
		return nil, err
	}
	return s.maybeReset(ctx, account)
}

// maybeReset applies the period reset when the boundary has passed.
// The reset is guarded on the previous period start, so when two requests
// race only one performs it; the loser re-reads the fresh account.
func (s *Service) maybeReset(ctx context.Context, account *Account) (*Account, error) {
	now := s.now()
	if now.Before(account.NextReset()) {
		return account, nil
	}

	newStart := periodStartFor(account, now)
	ok, err := s.repo.ResetPeriod(ctx, account.UserID, s.allotments.For(account.Plan), newStart, account.PeriodStart)
	if err != nil {
		return nil, err
	}
	if ok {
		s.log.Info("credit period reset",
			zap.String("user_id", account.UserID.String()),
			zap.String("plan", string(account.Plan)),
			zap.Time("period_start", newStart))
	}
	return s.repo.GetOrCreateAccount(ctx, account.UserID, account.Plan, s.allotments.For(account.Plan), newStart)
}

// periodStartFor computes the start of the period containing now.
func periodStartFor(account *Account, now time.Time) time.Time {
	switch account.Plan {
	case PlanPaid:
		start := account.PeriodStart
		for !start.AddDate(0, 1, 0).After(now) {
			start = start.AddDate(0, 1, 0)
		}
		return start
	default:
		local := now.In(account.Location())
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, account.Location())
	}
}

// Deduct charges the cost of an action against the user's balance and
// records a pending usage entry keyed on requestID. The check and the
// subtraction are one conditional update in the store, so concurrent
// requests can never overdraw.
func (s *Service) Deduct(ctx context.Context, userID uuid.UUID, action Action, requestID string) (*DeductResult, error) {
	account, err := s.Account(ctx, userID)
	if err != nil {
		return nil, err
	}

	cost := s.costs.Cost(action)
	entry := &UsageLogEntry{
		RequestID: requestID,
		Action:    action,
	}
	balance, err := s.repo.Deduct(ctx, account.UserID, cost, entry)
	if err != nil {
		return nil, err
	}

	s.log.Debug("credits deducted",
		zap.String("user_id", userID.String()),
		zap.String("request_id", requestID),
		zap.String("action", string(action)),
		zap.Int64("cost", cost),
		zap.Int64("balance", balance))
	return &DeductResult{Cost: cost, Balance: balance}, nil
}

// Refund restores the credits deducted for requestID. Refunding the same
// request twice is a no-op; the first call wins.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, requestID string) error {
	refunded, amount, err := s.repo.Refund(ctx, userID, requestID)
	if err != nil {
		return err
	}
	if refunded {
		s.log.Info("credits refunded",
			zap.String("user_id", userID.String()),
			zap.String("request_id", requestID),
			zap.Int64("amount", amount))
	}
	return nil
}

// FinalizeSuccess marks the usage entry for requestID as successful.
func (s *Service) FinalizeSuccess(ctx context.Context, requestID string, processingTime time.Duration) error {
	return s.repo.FinalizeUsage(ctx, requestID, UsageStatusSuccess, processingTime, "")
}

// FinalizeFailure marks the usage entry for requestID as failed.
func (s *Service) FinalizeFailure(ctx context.Context, requestID string, processingTime time.Duration, errMsg string) error {
	return s.repo.FinalizeUsage(ctx, requestID, UsageStatusFailed, processingTime, errMsg)
}

// Usage returns the usage entry for a request id.
func (s *Service) Usage(ctx context.Context, requestID string) (*UsageLogEntry, error) {
	return s.repo.GetUsage(ctx, requestID)
}

// RecentUsage returns the user's most recent usage entries.
func (s *Service) RecentUsage(ctx context.Context, userID uuid.UUID, limit int) ([]*UsageLogEntry, error) {
	return s.repo.ListUsage(ctx, userID, limit)
}
