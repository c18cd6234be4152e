// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"
	"errors"

	"github.com/satoshinuts/mint/cashu"
)

// State is the lifecycle state of a mint quote.
type State int

const (
	Unpaid State = iota
	Paid
	Issued
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StringToState parses a state as stored in the database; an unrecognized
// value falls back to Unpaid rather than erroring, since the caller has no
// good recovery path for a corrupt column value.
func StringToState(s string) State {
	switch s {
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	default:
		return Unpaid
	}
}

// DeriveState computes a quote's lifecycle state from its running payment
// and issuance tallies: Unpaid until anything has been paid, Issued once
// everything paid so far has also been issued, Paid in between.
func DeriveState(amountPaid, amountIssued uint64) State {
	switch {
	case amountPaid == 0:
		return Unpaid
	case amountIssued >= amountPaid:
		return Issued
	default:
		return Paid
	}
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "UNPAID":
		*s = Unpaid
	case "PAID":
		*s = Paid
	case "ISSUED":
		*s = Issued
	default:
		return errors.New("invalid mint quote state: " + str)
	}
	return nil
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
	// Pubkey locks the quote per NUT-20: only a mint request whose outputs
	// are signed by the matching private key will be accepted.
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   State  `json:"state"`
	// Paid is the pre-NUT-04-v1 boolean form of State, kept for wallets
	// that haven't moved to the state field yet.
	Paid bool `json:"paid"`
	// AmountPaid and AmountIssued are the quote's running tallies; a
	// wallet recovering a partially-issued quote uses the difference to
	// know how much it can still claim.
	AmountPaid   uint64 `json:"amount_paid"`
	AmountIssued uint64 `json:"amount_issued"`
	Expiry       int64  `json:"expiry"`
	Pubkey       string `json:"pubkey,omitempty"`
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}

// PostMintQuoteBolt12Request requests a BOLT12-backed mint quote. Amount is
// optional: a nil amount asks the backend for an open offer that can be
// paid any number of times for any amount, rather than one fixed invoice.
type PostMintQuoteBolt12Request struct {
	Amount      *uint64 `json:"amount,omitempty"`
	Unit        string  `json:"unit"`
	Description string  `json:"description,omitempty"`
	Pubkey      string  `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt12Response struct {
	Quote        string `json:"quote"`
	Request      string `json:"request"`
	State        State  `json:"state"`
	AmountPaid   uint64 `json:"amount_paid"`
	AmountIssued uint64 `json:"amount_issued"`
	Expiry       int64  `json:"expiry"`
	Pubkey       string `json:"pubkey,omitempty"`
}
