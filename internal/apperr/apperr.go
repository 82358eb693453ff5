// Package apperr is the error taxonomy shared by every component. Callers
// wrap these sentinels with context and test them with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is a stable, transport-independent error code.
type Kind string

const (
	KindLedgerImbalance     Kind = "LEDGER_IMBALANCE"
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindAlreadySettled      Kind = "ALREADY_SETTLED"
	KindAlreadyExists       Kind = "ALREADY_EXISTS"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindInvalidStake        Kind = "INVALID_STAKE"
	KindInvalidRoundState   Kind = "INVALID_ROUND_STATE"
	KindStakeLimit          Kind = "STAKE_LIMIT_EXCEEDED"
	KindOracleUnavailable   Kind = "ORACLE_UNAVAILABLE"
	KindAmbiguousOutcome    Kind = "AMBIGUOUS_OUTCOME"
	KindSettlementHalted    Kind = "SETTLEMENT_HALTED"
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindInternal            Kind = "INTERNAL_ERROR"
)

var (
	ErrLedgerImbalance     = errors.New("ledger batch does not balance")
	ErrInvalidTransition   = errors.New("invalid round transition")
	ErrAlreadySettled      = errors.New("round already settled")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidStake        = errors.New("stake must be positive")
	ErrInvalidRoundState   = errors.New("round is not accepting bets")
	ErrStakeLimit          = errors.New("per-round stake limit exceeded")
	ErrOracleUnavailable   = errors.New("price oracle unavailable")
	ErrAmbiguousOutcome    = errors.New("outcome has no winners")
	ErrSettlementHalted    = errors.New("automatic settlement halted for round")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
)

// Metadata describes how a kind should be surfaced.
type Metadata struct {
	HTTPStatus int
	Retryable  bool
	// Fatal kinds are invariant violations that need an operator.
	Fatal bool
}

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrLedgerImbalance, KindLedgerImbalance},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrAlreadySettled, KindAlreadySettled},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrInvalidStake, KindInvalidStake},
	{ErrInvalidRoundState, KindInvalidRoundState},
	{ErrStakeLimit, KindStakeLimit},
	{ErrOracleUnavailable, KindOracleUnavailable},
	{ErrAmbiguousOutcome, KindAmbiguousOutcome},
	{ErrSettlementHalted, KindSettlementHalted},
	{ErrNotFound, KindNotFound},
	{ErrInvalidInput, KindInvalidInput},
}

var metadataByKind = map[Kind]Metadata{
	KindLedgerImbalance:     {HTTPStatus: http.StatusInternalServerError, Fatal: true},
	KindInvalidTransition:   {HTTPStatus: http.StatusConflict, Retryable: true},
	KindAlreadySettled:      {HTTPStatus: http.StatusConflict},
	KindAlreadyExists:       {HTTPStatus: http.StatusConflict},
	KindInsufficientBalance: {HTTPStatus: http.StatusUnprocessableEntity},
	KindInvalidStake:        {HTTPStatus: http.StatusBadRequest},
	KindInvalidRoundState:   {HTTPStatus: http.StatusConflict},
	KindStakeLimit:          {HTTPStatus: http.StatusUnprocessableEntity},
	KindOracleUnavailable:   {HTTPStatus: http.StatusServiceUnavailable, Retryable: true},
	KindAmbiguousOutcome:    {HTTPStatus: http.StatusOK},
	KindSettlementHalted:    {HTTPStatus: http.StatusConflict, Fatal: true},
	KindNotFound:            {HTTPStatus: http.StatusNotFound},
	KindInvalidInput:        {HTTPStatus: http.StatusBadRequest},
	KindInternal:            {HTTPStatus: http.StatusInternalServerError, Retryable: true},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// Meta returns the surfacing metadata for k.
func Meta(k Kind) Metadata {
	if md, ok := metadataByKind[k]; ok {
		return md
	}
	return metadataByKind[KindInternal]
}

// IsFatal reports whether err is an invariant violation.
func IsFatal(err error) bool {
	return err != nil && Meta(KindOf(err)).Fatal
}
