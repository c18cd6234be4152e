// Package storage defines the persistence contract the mint engine needs:
// a proof ledger, mint/melt quote stores with optimistic concurrency, and a
// saga store for the melt compensation log. mint/storage/sqlite implements
// it; any other backend (postgres, in-memory for tests) can too.
package storage

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/satoshinuts/mint/cashu"
	"github.com/satoshinuts/mint/cashu/nuts/nut04"
	"github.com/satoshinuts/mint/cashu/nuts/nut05"
)

// ErrProofsAlreadyReserved is returned by AddPendingProofs when at least one
// of the proofs being reserved is already pending or already spent.
var ErrProofsAlreadyReserved = errors.New("one or more proofs are already pending or spent")

// ErrDuplicatePaymentId is returned by AddPayment when the given payment id
// was already credited to the quote. Callers treat this as success: the
// payment is already accounted for, so there is nothing left to do.
var ErrDuplicatePaymentId = errors.New("payment id already credited to this quote")

// ErrInsufficientPayment is returned by AddIssuance when amount would push
// amount_issued past amount_paid.
var ErrInsufficientPayment = errors.New("issuance amount exceeds quote's unclaimed paid amount")

// ProofState mirrors nut07.State but lives in storage so the ledger doesn't
// need to import the wire-facing nut07 package just to talk about proof
// lifecycle.
type ProofState int

const (
	ProofUnspent ProofState = iota
	ProofPending
	ProofSpent
)

type MintDB interface {
	SaveSeed([]byte) error
	GetSeed() ([]byte, error)

	SaveKeyset(DBKeyset) error
	GetKeysets() ([]DBKeyset, error)
	UpdateKeysetActive(keysetId string, active bool) error

	// SaveProofs persists proofs directly in the Spent state, used by the
	// swap and redemption services once a transaction has fully committed.
	SaveProofs(cashu.Proofs) error
	GetProofsUsed(Ys []string) ([]DBProof, error)

	// AddPendingProofs reserves proofs for a melt quote's saga. Returns
	// ErrProofsAlreadyReserved if any of the Ys are already pending or spent
	// (row-locking semantics: the insert and the state check happen in the
	// same transaction).
	AddPendingProofs(proofs cashu.Proofs, meltQuoteId string) error
	GetPendingProofs(Ys []string) ([]DBProof, error)
	GetPendingProofsByQuote(quoteId string) ([]DBProof, error)
	RemovePendingProofs(Ys []string) error
	// MovePendingToSpent commits a melt's reserved proofs to the spent
	// table and removes them from pending, atomically.
	MovePendingToSpent(Ys []string) error

	SaveMintQuote(MintQuote) error
	GetMintQuote(id string) (MintQuote, error)
	// GetMintQuoteByLookupId finds a quote by its payment backend's
	// request-lookup id (e.g. a BOLT11 payment hash).
	GetMintQuoteByLookupId(lookupId string) (MintQuote, error)
	// LookupMintQuotesByPubkey returns every NUT-20 locked quote created
	// under the given pubkey, newest first.
	LookupMintQuotesByPubkey(pubkey string) ([]MintQuote, error)
	// AddPayment credits amount to the quote's amount_paid, keyed by the
	// backend-reported paymentId, in one transaction. Returns
	// ErrDuplicatePaymentId (treated as success by the caller) if paymentId
	// was already credited.
	AddPayment(quoteId, paymentId string, amount uint64) error
	// AddIssuance bumps the quote's amount_issued by amount in one
	// transaction, guarded so amount_issued never exceeds amount_paid.
	// Returns ErrInsufficientPayment if amount would violate that bound.
	AddIssuance(quoteId string, amount uint64) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(id string) (MeltQuote, error)
	// GetMeltQuoteByLookupId is used to check whether a melt quote already
	// exists for a given payment request, per unit/method.
	GetMeltQuoteByLookupId(lookupId string) (*MeltQuote, error)
	UpdateMeltQuote(quoteId string, expectedVersion int, preimage string, state nut05.State) error

	// SaveMeltChangeOutputs records the unsigned blank outputs a melt
	// request carried for change, tied to the quote id, during the reserve
	// step. The saga runner signs a subset of them once the residual
	// amount is known and deletes the record at finalize/compensate.
	SaveMeltChangeOutputs(quoteId string, outputs cashu.BlindedMessages) error
	GetMeltChangeOutputs(quoteId string) (cashu.BlindedMessages, error)
	DeleteMeltChangeOutputs(quoteId string) error

	// SaveBlindSignatures is idempotent: re-issuing signatures for blinded
	// messages that were already signed (e.g. a retried mint/swap/melt
	// request) must not error and must not produce a different signature.
	SaveBlindSignatures(B_s []string, blindSignatures cashu.BlindedSignatures) error
	GetBlindSignature(B_ string) (cashu.BlindedSignature, error)
	GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error)

	SaveSaga(Saga) error
	GetSaga(id string) (Saga, error)
	UpdateSagaState(id string, state SagaState, step int) error
	AppendSagaCompensation(id string, step SagaStep) error
	// ListPendingSagas returns every saga still in a non-terminal state,
	// for the recovery loop to pick back up after a crash.
	ListPendingSagas() ([]Saga, error)

	// these return a map of keyset id and amount
	GetIssuedEcash() (map[string]uint64, error)
	GetRedeemedEcash() (map[string]uint64, error)

	Close() error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	Seed              string
	DerivationPathIdx uint32
	InputFeePpk       uint
}

type DBProof struct {
	Amount  uint64
	Id      string
	Secret  string
	Y       string
	C       string
	Witness string
	// for proofs in the pending table
	MeltQuoteId string
}

type MintQuote struct {
	Id     string
	Unit   string
	Method string
	// Amount is the requested total. Zero means an open-amount BOLT12
	// offer: the quote accumulates AmountPaid from however many payments
	// arrive against it rather than a single fixed target.
	Amount         uint64
	PaymentRequest string
	// LookupId is the payment backend's handle for checking settlement
	// (e.g. a BOLT11 payment hash); it plays the role the teacher's
	// PaymentHash field played when only BOLT11/sat existed.
	LookupId string
	// AmountPaid and AmountIssued are running tallies in the quote's unit;
	// State is derived from them alone (not from Expiry or SingleUse) rather
	// than stored as independent truth. AmountIssued never exceeds AmountPaid.
	AmountPaid   uint64
	AmountIssued uint64
	// SingleUse marks a quote unusable for further issuance once fully
	// issued, even if more payment arrives later (the common case: a
	// fixed-amount BOLT11 invoice paid and claimed once). A BOLT12 offer
	// meant to be claimed repeatedly sets this false.
	SingleUse bool
	State     nut04.State
	Expiry    uint64
	Pubkey    *secp256k1.PublicKey
	// Version is bumped on every state transition; callers must supply the
	// version they last read where optimistic concurrency still applies.
	Version int
}

type MeltQuote struct {
	Id             string
	Unit           string
	Method         string
	InvoiceRequest string
	LookupId       string
	Amount         uint64
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string
	IsMpp          bool
	AmountMsat     uint64
	Version        int
	// Change carries the blind signatures issued against the quote's
	// change outputs, if any. It is set only on the MeltQuote value
	// returned from a completed melt; it is not a persisted column (the
	// underlying signatures live in blind_signatures like any other).
	Change cashu.BlindedSignatures
}
