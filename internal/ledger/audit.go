package ledger

import (
	"context"
	"fmt"

	"github.com/atmx/updown-engine/internal/model"
	"github.com/atmx/updown-engine/internal/store"
)

// AuditReport is the result of a full ledger reconciliation.
type AuditReport struct {
	Balanced             bool             `json:"balanced"`
	UnbalancedReferences map[string]int64 `json:"unbalanced_references,omitempty"`
	Drift                []store.Drift    `json:"drift,omitempty"`
	// SystemTotals are the house-side accounts, for a quick solvency view.
	SystemTotals map[model.Account]int64 `json:"system_totals"`
}

// Reconcile checks that every reference sums to zero and that no
// materialised balance diverges from its entries.
func (l *Ledger) Reconcile(ctx context.Context) (*AuditReport, error) {
	unbalanced, err := l.store.UnbalancedReferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("unbalanced references: %w", err)
	}
	drift, err := l.store.BalanceDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance drift: %w", err)
	}

	report := &AuditReport{
		Balanced:             len(unbalanced) == 0 && len(drift) == 0,
		UnbalancedReferences: unbalanced,
		Drift:                drift,
		SystemTotals:         make(map[model.Account]int64),
	}
	for _, a := range []model.Account{model.AccountFees, model.AccountHouse, model.AccountExternal} {
		total, err := l.store.AccountTotal(ctx, a)
		if err != nil {
			return nil, err
		}
		report.SystemTotals[a] = total
	}

	if !report.Balanced {
		l.log.Error().Bool("critical", true).
			Int("unbalanced_references", len(unbalanced)).
			Int("drifted_balances", len(drift)).
			Msg("ledger reconciliation failed")
	}
	return report, nil
}

// TVL aggregates user-held value.
func (l *Ledger) TVL(ctx context.Context) (*model.TVL, error) {
	var tvl model.TVL
	for _, f := range []struct {
		account model.Account
		dst     *int64
	}{
		{model.AccountLocked, &tvl.Locked},
		{model.AccountCash, &tvl.Cash},
		{model.AccountPendingWithdrawal, &tvl.PendingWithdrawals},
	} {
		v, err := l.store.AccountTotal(ctx, f.account)
		if err != nil {
			return nil, fmt.Errorf("total %s: %w", f.account, err)
		}
		*f.dst = v
	}
	tvl.Total = tvl.Locked + tvl.Cash + tvl.PendingWithdrawals
	return &tvl, nil
}
