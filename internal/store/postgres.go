package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/apperr"
	"github.com/atmx/updown-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are BIGINT smallest units; prices are NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(ctx, &postgresTx{q: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const roundColumns = `code, status, open_ts, lock_ts, settle_ts, fee_bps, commit_hash, seed, result,
	reference_price::TEXT, close_price::TEXT, reveal::TEXT, created_at, settled_at, halt_reason, halted_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRound(ctx context.Context, code string) (*model.Round, error) {
	return getRound(ctx, s.pool, code, "")
}

func (s *PostgresStore) ListRounds(ctx context.Context, statuses ...model.RoundStatus) ([]model.Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY code`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []model.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) ListBets(ctx context.Context, roundCode string) ([]model.Bet, error) {
	return listBets(ctx, s.pool, roundCode)
}

func (s *PostgresStore) Balance(ctx context.Context, key model.BalanceKey) (int64, error) {
	var amount int64
	err := s.pool.QueryRow(ctx,
		`SELECT amount FROM balances WHERE account = $1 AND user_id = $2`,
		string(key.Account), key.UserID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", key, err)
	}
	return amount, nil
}

func (s *PostgresStore) AccountTotal(ctx context.Context, account model.Account) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT FROM balances WHERE account = $1`,
		string(account)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("account total %s: %w", account, err)
	}
	return total, nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.ReferenceID != "" {
		args = append(args, f.ReferenceID)
		where = append(where, fmt.Sprintf("reference_id = $%d", len(args)))
	}
	query := `SELECT id, ts, account, COALESCE(user_id, ''), amount, reference_type, reference_id
		 FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) UnbalancedReferences(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT reference_id, SUM(amount)::BIGINT
		 FROM ledger_entries
		 GROUP BY reference_id
		 HAVING SUM(amount) <> 0`)
	if err != nil {
		return nil, fmt.Errorf("unbalanced references: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var ref string
		var sum int64
		if err := rows.Scan(&ref, &sum); err != nil {
			return nil, err
		}
		result[ref] = sum
	}
	return result, rows.Err()
}

func (s *PostgresStore) BalanceDrift(ctx context.Context) ([]Drift, error) {
	rows, err := s.pool.Query(ctx,
		`WITH sums AS (
		     SELECT account, COALESCE(user_id, '') AS user_id, SUM(amount)::BIGINT AS total
		     FROM ledger_entries
		     GROUP BY account, COALESCE(user_id, '')
		 )
		 SELECT COALESCE(b.account, s.account), COALESCE(b.user_id, s.user_id),
		        COALESCE(b.amount, 0), COALESCE(s.total, 0)
		 FROM balances b
		 FULL OUTER JOIN sums s ON s.account = b.account AND s.user_id = b.user_id
		 WHERE COALESCE(b.amount, 0) <> COALESCE(s.total, 0)`)
	if err != nil {
		return nil, fmt.Errorf("balance drift: %w", err)
	}
	defer rows.Close()

	var drift []Drift
	for rows.Next() {
		var d Drift
		var account string
		if err := rows.Scan(&account, &d.Key.UserID, &d.Balance, &d.EntrySum); err != nil {
			return nil, err
		}
		d.Key.Account = model.Account(account)
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

func (s *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return getWithdrawal(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListWithdrawals(ctx context.Context, status model.WithdrawalStatus) ([]model.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals: %w", err)
	}
	defer rows.Close()

	var result []model.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}
	return result, rows.Err()
}

// postgresTx implements Tx on a pgx transaction.
type postgresTx struct {
	q querier
}

func (t *postgresTx) LockBalances(ctx context.Context, keys []model.BalanceKey) (map[model.BalanceKey]int64, error) {
	sorted := uniqueKeys(keys)
	result := make(map[model.BalanceKey]int64, len(sorted))
	for _, k := range sorted {
		if _, err := t.q.Exec(ctx,
			`INSERT INTO balances (account, user_id, amount) VALUES ($1, $2, 0)
			 ON CONFLICT (account, user_id) DO NOTHING`,
			string(k.Account), k.UserID); err != nil {
			return nil, fmt.Errorf("ensure balance %s: %w", k, err)
		}
		var amount int64
		if err := t.q.QueryRow(ctx,
			`SELECT amount FROM balances WHERE account = $1 AND user_id = $2 FOR UPDATE`,
			string(k.Account), k.UserID).Scan(&amount); err != nil {
			return nil, fmt.Errorf("lock balance %s: %w", k, err)
		}
		result[k] = amount
	}
	return result, nil
}

func (t *postgresTx) AppendEntries(ctx context.Context, entries []model.LedgerEntry) error {
	deltas := make(map[model.BalanceKey]int64)
	for _, e := range entries {
		if _, err := t.q.Exec(ctx,
			`INSERT INTO ledger_entries (id, ts, account, user_id, amount, reference_type, reference_id)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
			e.ID, e.Timestamp, string(e.Account), e.UserID, e.Amount,
			string(e.ReferenceType), e.ReferenceID); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
		deltas[model.BalanceKey{Account: e.Account, UserID: e.UserID}] += e.Amount
	}
	for k, delta := range deltas {
		tag, err := t.q.Exec(ctx,
			`UPDATE balances SET amount = amount + $3 WHERE account = $1 AND user_id = $2`,
			string(k.Account), k.UserID, delta)
		if err != nil {
			return fmt.Errorf("apply balance %s: %w", k, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("apply balance %s: row not locked", k)
		}
	}
	return nil
}

func (t *postgresTx) HasReference(ctx context.Context, referenceID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE reference_id = $1)`,
		referenceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has reference %s: %w", referenceID, err)
	}
	return exists, nil
}

func (t *postgresTx) InsertRound(ctx context.Context, r *model.Round) error {
	reveal, err := revealParam(r.Reveal)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO rounds (code, status, open_ts, lock_ts, settle_ts, fee_bps, commit_hash, seed, result,
		                     reference_price, close_price, reveal, created_at, settled_at, halt_reason, halted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12::JSONB, $13, $14, $15, $16)`,
		r.Code, string(r.Status), r.OpenTs, r.LockTs, r.SettleTs, r.FeeBps, r.CommitHash, r.Seed,
		string(r.Result), decimalParam(r.ReferencePrice), decimalParam(r.ClosePrice), reveal,
		r.CreatedAt, r.SettledAt, r.HaltReason, r.HaltedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("round %s: %w", r.Code, apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert round %s: %w", r.Code, err)
	}
	return nil
}

func (t *postgresTx) GetRoundForUpdate(ctx context.Context, code string) (*model.Round, error) {
	return getRound(ctx, t.q, code, " FOR UPDATE")
}

func (t *postgresTx) GetRoundForShare(ctx context.Context, code string) (*model.Round, error) {
	return getRound(ctx, t.q, code, " FOR SHARE")
}

func (t *postgresTx) UpdateRound(ctx context.Context, r *model.Round) error {
	reveal, err := revealParam(r.Reveal)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE rounds SET status = $2, result = $3, reference_price = $4::NUMERIC,
		        close_price = $5::NUMERIC, reveal = $6::JSONB, settled_at = $7,
		        halt_reason = $8, halted_at = $9
		 WHERE code = $1`,
		r.Code, string(r.Status), string(r.Result), decimalParam(r.ReferencePrice),
		decimalParam(r.ClosePrice), reveal, r.SettledAt, r.HaltReason, r.HaltedAt)
	if err != nil {
		return fmt.Errorf("update round %s: %w", r.Code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %s: %w", r.Code, apperr.ErrNotFound)
	}
	return nil
}

func (t *postgresTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bets (id, round_code, user_id, side, stake, status, payout, created_at, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.RoundCode, b.UserID, string(b.Side), b.Stake, string(b.Status), b.Payout,
		b.CreatedAt, b.SettledAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("bet %s: %w", b.ID, apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.ID, err)
	}
	return nil
}

func (t *postgresTx) ListBets(ctx context.Context, roundCode string) ([]model.Bet, error) {
	return listBets(ctx, t.q, roundCode)
}

func (t *postgresTx) UpdateBet(ctx context.Context, b *model.Bet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE bets SET status = $2, payout = $3, settled_at = $4 WHERE id = $1`,
		b.ID, string(b.Status), b.Payout, b.SettledAt)
	if err != nil {
		return fmt.Errorf("update bet %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bet %s: %w", b.ID, apperr.ErrNotFound)
	}
	return nil
}

func (t *postgresTx) UserStake(ctx context.Context, roundCode, userID string) (int64, error) {
	var total int64
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(stake), 0)::BIGINT FROM bets WHERE round_code = $1 AND user_id = $2`,
		roundCode, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("user stake: %w", err)
	}
	return total, nil
}

func (t *postgresTx) InsertWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO withdrawals (id, user_id, amount, status, approved, tx_hash, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.UserID, w.Amount, string(w.Status), w.Approved, w.TxHash, w.FailureReason,
		w.CreatedAt, w.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("withdrawal %s: %w", w.ID, apperr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert withdrawal %s: %w", w.ID, err)
	}
	return nil
}

func (t *postgresTx) GetWithdrawalForUpdate(ctx context.Context, id string) (*model.Withdrawal, error) {
	return getWithdrawal(ctx, t.q, id, " FOR UPDATE")
}

func (t *postgresTx) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE withdrawals SET status = $2, approved = $3, tx_hash = $4, failure_reason = $5, updated_at = $6
		 WHERE id = $1`,
		w.ID, string(w.Status), w.Approved, w.TxHash, w.FailureReason, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update withdrawal %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("withdrawal %s: %w", w.ID, apperr.ErrNotFound)
	}
	return nil
}

// --- Shared helpers ---

func getRound(ctx context.Context, q querier, code, lockClause string) (*model.Round, error) {
	row := q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE code = $1`+lockClause, code)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("round %s: %w", code, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %s: %w", code, err)
	}
	return r, nil
}

func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	var status, result string
	var refPrice, closePrice, reveal *string
	if err := row.Scan(&r.Code, &status, &r.OpenTs, &r.LockTs, &r.SettleTs, &r.FeeBps,
		&r.CommitHash, &r.Seed, &result, &refPrice, &closePrice, &reveal,
		&r.CreatedAt, &r.SettledAt, &r.HaltReason, &r.HaltedAt); err != nil {
		return nil, err
	}
	r.Status = model.RoundStatus(status)
	r.Result = model.Result(result)
	r.ReferencePrice = decimalFromText(refPrice)
	r.ClosePrice = decimalFromText(closePrice)
	if reveal != nil {
		var rv model.Reveal
		if err := json.Unmarshal([]byte(*reveal), &rv); err != nil {
			return nil, fmt.Errorf("decode reveal for %s: %w", r.Code, err)
		}
		r.Reveal = &rv
	}
	return &r, nil
}

func listBets(ctx context.Context, q querier, roundCode string) ([]model.Bet, error) {
	rows, err := q.Query(ctx,
		`SELECT id, round_code, user_id, side, stake, status, payout, created_at, settled_at
		 FROM bets WHERE round_code = $1 ORDER BY created_at, id`, roundCode)
	if err != nil {
		return nil, fmt.Errorf("list bets %s: %w", roundCode, err)
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var side, status string
		if err := rows.Scan(&b.ID, &b.RoundCode, &b.UserID, &side, &b.Stake, &status,
			&b.Payout, &b.CreatedAt, &b.SettledAt); err != nil {
			return nil, err
		}
		b.Side = model.Side(side)
		b.Status = model.BetStatus(status)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

const withdrawalColumns = `id, user_id, amount, status, approved, tx_hash, failure_reason, created_at, updated_at`

func getWithdrawal(ctx context.Context, q querier, id, lockClause string) (*model.Withdrawal, error) {
	row := q.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`+lockClause, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get withdrawal %s: %w", id, err)
	}
	return w, nil
}

func scanWithdrawal(row pgx.Row) (*model.Withdrawal, error) {
	var w model.Withdrawal
	var status string
	if err := row.Scan(&w.ID, &w.UserID, &w.Amount, &status, &w.Approved, &w.TxHash,
		&w.FailureReason, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Status = model.WithdrawalStatus(status)
	return &w, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var account, refType string
		if err := rows.Scan(&e.ID, &e.Timestamp, &account, &e.UserID, &e.Amount,
			&refType, &e.ReferenceID); err != nil {
			return nil, err
		}
		e.Account = model.Account(account)
		e.ReferenceType = model.ReferenceType(refType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func uniqueKeys(keys []model.BalanceKey) []model.BalanceKey {
	seen := make(map[model.BalanceKey]struct{}, len(keys))
	out := make([]model.BalanceKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func decimalParam(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func decimalFromText(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func revealParam(rv *model.Reveal) (any, error) {
	if rv == nil {
		return nil, nil
	}
	data, err := json.Marshal(rv)
	if err != nil {
		return nil, fmt.Errorf("encode reveal: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
