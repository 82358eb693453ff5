// Package wallet moves funds across the system boundary: deposits credit
// cash from the external account, withdrawals reserve cash until the
// network confirms or rejects them.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/chain"
	"github.com/atmx/updown-engine/internal/events"
	"github.com/atmx/updown-engine/internal/ledger"
	"github.com/atmx/updown-engine/internal/lock"
	"github.com/atmx/updown-engine/internal/metrics"
	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/risk"
	"github.com/atmx/updown-engine/internal/store"
)

// Params configure the wallet service.
type Params struct {
	Store   store.Store
	Ledger  *ledger.Ledger
	Users   *lock.Keyed
	Gateway chain.Gateway
	Policy  risk.WithdrawalPolicy

	Publisher events.Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Service implements chain.DepositCreditor and the withdrawal queue.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	users     *lock.Keyed
	gateway   chain.Gateway
	policy    risk.WithdrawalPolicy
	publisher events.Publisher
	log       zerolog.Logger
	now       func() time.Time

	// dispatching keeps one dispatch pass per process.
	dispatching sync.Mutex
}

var _ chain.DepositCreditor = (*Service)(nil)

func NewService(p Params) *Service {
	if p.Users == nil {
		p.Users = lock.NewKeyed()
	}
	if p.Gateway == nil {
		p.Gateway = chain.NewSimulated()
	}
	if p.Publisher == nil {
		p.Publisher = events.Noop{}
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Service{
		store:     p.Store,
		ledger:    p.Ledger,
		users:     p.Users,
		gateway:   p.Gateway,
		policy:    p.Policy,
		publisher: p.Publisher,
		log:       p.Logger,
		now:       p.Now,
	}
}

// DepositReceipt identifies a credited deposit.
type DepositReceipt struct {
	ReferenceID string `json:"reference_id"`
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Credited    bool   `json:"credited"`
}

// SimulateDeposit credits cash without a network transaction. Every call
// is a new deposit.
func (s *Service) SimulateDeposit(ctx context.Context, userID string, amount int64) (*DepositReceipt, error) {
	return s.credit(ctx, userID, amount, uuid.NewString())
}

// CreditConfirmedDeposit credits a deposit the network confirmed. Replaying
// the same txRef credits nothing and reports false.
func (s *Service) CreditConfirmedDeposit(ctx context.Context, userID string, amount int64, txRef string) (bool, error) {
	if txRef == "" {
		return false, fmt.Errorf("tx_ref required: %w", apperr.ErrInvalidInput)
	}
	rcpt, err := s.credit(ctx, userID, amount, ledger.ReferenceID(model.RefDeposit, txRef))
	if err != nil {
		return false, err
	}
	return rcpt.Credited, nil
}

func (s *Service) credit(ctx context.Context, userID string, amount int64, ref string) (*DepositReceipt, error) {
	if err := checkAmount(userID, amount); err != nil {
		return nil, err
	}
	unlock, err := s.users.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rcpt := &DepositReceipt{ReferenceID: ref, UserID: userID, Amount: amount}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rcpt.Credited, err = s.ledger.PostOnceTx(ctx, tx, []model.EntryDraft{
			{Account: model.AccountExternal, Amount: -amount, ReferenceType: model.RefDeposit, ReferenceID: ref},
			{Account: model.AccountCash, UserID: userID, Amount: amount, ReferenceType: model.RefDeposit, ReferenceID: ref},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if rcpt.Credited {
		s.log.Info().Str("user", userID).Int64("amount", amount).Str("reference", ref).Msg("deposit credited")
	} else {
		s.log.Info().Str("user", userID).Str("reference", ref).Msg("deposit already credited")
	}
	return rcpt, nil
}

// RequestWithdrawal reserves amount from cash and queues a withdrawal.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount int64) (*model.Withdrawal, error) {
	if err := checkAmount(userID, amount); err != nil {
		return nil, err
	}
	unlock, err := s.users.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now().UTC()
	w := &model.Withdrawal{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Status:    model.WithdrawalQueued,
		Approved:  s.policy.AutoApprove(amount),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := s.ledger.PostTx(ctx, tx, []model.EntryDraft{
			{Account: model.AccountCash, UserID: userID, Amount: -amount, ReferenceType: model.RefWithdrawal, ReferenceID: w.ID},
			{Account: model.AccountPendingWithdrawal, UserID: userID, Amount: amount, ReferenceType: model.RefWithdrawal, ReferenceID: w.ID},
		}); err != nil {
			return err
		}
		return tx.InsertWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	s.updated(ctx, w, "withdrawal queued")
	return w, nil
}

// ApproveWithdrawal releases a queued withdrawal for dispatch.
func (s *Service) ApproveWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *model.Withdrawal) (bool, error) {
		if w.Status != model.WithdrawalQueued {
			return false, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, apperr.ErrInvalidTransition)
		}
		if w.Approved {
			return false, nil
		}
		w.Approved = true
		return true, nil
	}, "withdrawal approved")
}

// ConfirmWithdrawal records network finality: the reserved funds leave the
// system to the external account. A DISPATCHING withdrawal whose result was
// never recorded can be confirmed directly.
func (s *Service) ConfirmWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *model.Withdrawal) (bool, error) {
		switch w.Status {
		case model.WithdrawalConfirmed:
			return false, nil
		case model.WithdrawalSent, model.WithdrawalDispatching:
		default:
			return false, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, apperr.ErrInvalidTransition)
		}
		ref := ledger.ReferenceID(model.RefWithdrawal, "confirm:"+w.ID)
		if _, err := s.ledger.PostTx(ctx, tx, []model.EntryDraft{
			{Account: model.AccountPendingWithdrawal, UserID: w.UserID, Amount: -w.Amount, ReferenceType: model.RefWithdrawal, ReferenceID: ref},
			{Account: model.AccountExternal, Amount: w.Amount, ReferenceType: model.RefWithdrawal, ReferenceID: ref},
		}); err != nil {
			return false, err
		}
		w.Status = model.WithdrawalConfirmed
		return true, nil
	}, "withdrawal confirmed")
}

// FailWithdrawal marks a DISPATCHING or SENT withdrawal as rejected by the
// network and refunds the reserve to cash.
func (s *Service) FailWithdrawal(ctx context.Context, id, reason string) (*model.Withdrawal, error) {
	if reason == "" {
		return nil, fmt.Errorf("reason required: %w", apperr.ErrInvalidInput)
	}
	return s.transition(ctx, id, func(ctx context.Context, tx store.Tx, w *model.Withdrawal) (bool, error) {
		switch w.Status {
		case model.WithdrawalFailed:
			return false, nil
		case model.WithdrawalSent, model.WithdrawalDispatching:
		default:
			return false, fmt.Errorf("withdrawal %s is %s: %w", id, w.Status, apperr.ErrInvalidTransition)
		}
		return true, s.refund(ctx, tx, w, reason)
	}, "withdrawal failed")
}

// DispatchSummary counts the outcome of one dispatch pass. Unresolved
// withdrawals stay DISPATCHING.
type DispatchSummary struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Unresolved int `json:"unresolved"`
}

// DispatchPending submits every approved QUEUED withdrawal to the gateway.
//
// Each withdrawal is claimed as DISPATCHING before the gateway call, so it
// is submitted at most once however the rest of the pass goes. A
// submission rejected with chain.ErrRejected fails the withdrawal and
// refunds the reserve; any other gateway error leaves it DISPATCHING.
// Overlapping calls in one process return immediately.
func (s *Service) DispatchPending(ctx context.Context) (DispatchSummary, error) {
	var sum DispatchSummary
	if !s.dispatching.TryLock() {
		return sum, nil
	}
	defer s.dispatching.Unlock()

	queued, err := s.store.ListWithdrawals(ctx, model.WithdrawalQueued)
	if err != nil {
		return sum, err
	}
	for _, w := range queued {
		if !w.Approved {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		claimed, err := s.transition(ctx, w.ID, func(_ context.Context, _ store.Tx, cur *model.Withdrawal) (bool, error) {
			if cur.Status != model.WithdrawalQueued || !cur.Approved {
				return false, fmt.Errorf("withdrawal %s is %s: %w", cur.ID, cur.Status, apperr.ErrInvalidTransition)
			}
			cur.Status = model.WithdrawalDispatching
			return true, nil
		}, "withdrawal dispatching")
		if err != nil {
			s.log.Warn().Err(err).Str("withdrawal", w.ID).Msg("claim withdrawal")
			continue
		}

		res, subErr := s.gateway.SubmitWithdrawal(ctx, *claimed)
		if subErr != nil && !errors.Is(subErr, chain.ErrRejected) {
			sum.Unresolved++
			s.log.Error().Err(subErr).Str("withdrawal", w.ID).Bool("critical", true).
				Msg("withdrawal submission outcome unknown, left dispatching")
			continue
		}

		if err := s.record(ctx, w.ID, res, subErr); err != nil {
			sum.Unresolved++
			s.log.Error().Err(err).Str("withdrawal", w.ID).Bool("critical", true).
				Msg("record dispatch result, left dispatching")
			continue
		}
		if subErr == nil {
			sum.Sent++
		} else {
			sum.Failed++
		}
	}
	return sum, nil
}

// record stores the gateway's answer for a claimed withdrawal. It runs on a
// context detached from the caller's: the network has already acted.
func (s *Service) record(ctx context.Context, id string, res chain.DispatchResult, subErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	_, err := s.transition(ctx, id, func(ctx context.Context, tx store.Tx, cur *model.Withdrawal) (bool, error) {
		if cur.Status != model.WithdrawalDispatching {
			return false, fmt.Errorf("withdrawal %s is %s: %w", cur.ID, cur.Status, apperr.ErrInvalidTransition)
		}
		if subErr != nil {
			return true, s.refund(ctx, tx, cur, subErr.Error())
		}
		cur.Status = model.WithdrawalSent
		cur.TxHash = res.TxHash
		return true, nil
	}, "withdrawal dispatched")
	return err
}

const recordTimeout = 30 * time.Second

func (s *Service) refund(ctx context.Context, tx store.Tx, w *model.Withdrawal, reason string) error {
	ref := ledger.ReferenceID(model.RefRefund, w.ID)
	if _, err := s.ledger.PostTx(ctx, tx, []model.EntryDraft{
		{Account: model.AccountPendingWithdrawal, UserID: w.UserID, Amount: -w.Amount, ReferenceType: model.RefRefund, ReferenceID: ref},
		{Account: model.AccountCash, UserID: w.UserID, Amount: w.Amount, ReferenceType: model.RefRefund, ReferenceID: ref},
	}); err != nil {
		return err
	}
	w.Status = model.WithdrawalFailed
	w.FailureReason = reason
	return nil
}

// GetWithdrawal returns one withdrawal.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.store.GetWithdrawal(ctx, id)
}

// Balances returns a user's balances.
func (s *Service) Balances(ctx context.Context, userID string) (*model.Balances, error) {
	return s.ledger.Balances(ctx, userID)
}

// TVL returns the aggregate user-held value.
func (s *Service) TVL(ctx context.Context) (*model.TVL, error) {
	return s.ledger.TVL(ctx)
}

// transition applies fn to a withdrawal under its owner's lock and in one
// transaction. fn reports whether it changed anything.
func (s *Service) transition(ctx context.Context, id string, fn func(context.Context, store.Tx, *model.Withdrawal) (bool, error), msg string) (*model.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.users.Lock(ctx, w.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	changed := false
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetWithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if changed, err = fn(ctx, tx, cur); err != nil || !changed {
			w = cur
			return err
		}
		cur.UpdatedAt = s.now().UTC()
		w = cur
		return tx.UpdateWithdrawal(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.updated(ctx, w, msg)
	}
	return w, nil
}

func (s *Service) updated(ctx context.Context, w *model.Withdrawal, msg string) {
	metrics.Withdrawals.WithLabelValues(string(w.Status)).Inc()
	ev := s.log.Info()
	if w.Status == model.WithdrawalFailed {
		ev = s.log.Warn().Str("reason", w.FailureReason)
	}
	ev.Str("withdrawal", w.ID).
		Str("user", w.UserID).
		Int64("amount", w.Amount).
		Str("status", string(w.Status)).
		Bool("approved", w.Approved).
		Msg(msg)
	s.publisher.Publish(ctx, events.New(events.WithdrawalUpdated, "", w.UserID, w))
}

func checkAmount(userID string, amount int64) error {
	if userID == "" {
		return fmt.Errorf("user_id required: %w", apperr.ErrInvalidInput)
	}
	if amount <= 0 {
		return fmt.Errorf("amount %d must be positive: %w", amount, apperr.ErrInvalidInput)
	}
	return nil
}
