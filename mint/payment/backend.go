// Package payment generalizes the mint's lightning backend client into a
// pluggable adapter keyed by (currency unit, payment method), so a mint can
// back sat/bolt11 with one node and, say, usd/some-other-method with a
// different settlement rail.
package payment

import (
	"context"
	"fmt"

	"github.com/satoshinuts/mint/cashu"
)

type PaymentState int

const (
	PaymentPending PaymentState = iota
	PaymentSucceeded
	PaymentFailed
)

// Invoice is what a backend hands back after creating a request for the
// mint to receive funds against (the mint side of a mint quote).
type Invoice struct {
	PaymentRequest string
	// LookupId is how the backend identifies this request for status
	// checks later (a BOLT11 payment hash, a ln-address charge id, etc).
	LookupId string
	Amount   uint64
	Expiry   uint64
}

// Payment is a single incoming payment a backend has detected against a
// lookup id. A backend reports one entry per distinct payment it has seen,
// identified by PaymentId, so the issuance service can credit each one to a
// mint quote's amount_paid exactly once even across repeated polls.
type Payment struct {
	PaymentId string
	Amount    uint64
	Unit      string
}

// PaymentResult is what a backend hands back after attempting to pay out
// (the mint side of a melt quote).
type PaymentResult struct {
	LookupId string
	Preimage string
	State    PaymentState
	FeePaid  uint64
	// TotalSpent is the invoice amount plus the actual routing fee paid, in
	// the quote's unit. It must be <= quote.Amount + quote.FeeReserve; the
	// saga runner turns any slack into change for the caller.
	TotalSpent uint64
}

// Backend is the adapter trait a settlement rail implements to back one
// (unit, method) pair. All methods are context-bound since they may hit a
// real network peer.
type Backend interface {
	CreateInvoice(ctx context.Context, amount uint64) (Invoice, error)
	// CheckIncomingPayment returns every payment the backend has detected
	// against lookupId so far. It must be idempotent and safe to call
	// repeatedly: the same settled payment is reported with the same
	// PaymentId on every call, letting the caller dedupe.
	CheckIncomingPayment(ctx context.Context, lookupId string) ([]Payment, error)
	FeeReserve(ctx context.Context, amount uint64) (uint64, error)
	SendPayment(ctx context.Context, request string, amountMsat uint64, maxFeeMsat uint64) (PaymentResult, error)
	PaymentState(ctx context.Context, lookupId string) (PaymentResult, error)
}

type key struct {
	unit   string
	method string
}

// Registry routes a (unit, method) pair to the backend responsible for it.
// A mint with only sat/bolt11 configured has a single entry; multi-unit
// mints register one backend per pair they support.
type Registry struct {
	backends map[key]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[key]Backend)}
}

func (r *Registry) Register(unit, method string, b Backend) {
	r.backends[key{unit, method}] = b
}

func (r *Registry) Get(unit, method string) (Backend, error) {
	b, ok := r.backends[key{unit, method}]
	if !ok {
		return nil, fmt.Errorf("%w: unit=%s method=%s", cashu.PaymentBackendNotConfiguredErr, unit, method)
	}
	return b, nil
}

// SupportedPairs lists every (unit, method) pair with a configured backend,
// used to build the NUT-04/NUT-05 "nuts" settings advertised in mint info.
func (r *Registry) SupportedPairs() [][2]string {
	pairs := make([][2]string, 0, len(r.backends))
	for k := range r.backends {
		pairs = append(pairs, [2]string{k.unit, k.method})
	}
	return pairs
}
