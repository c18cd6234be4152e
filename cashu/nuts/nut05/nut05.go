// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"
	"errors"

	"github.com/satoshinuts/mint/cashu"
)

// State is the lifecycle state of a melt quote.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// StringToState parses a state as stored in the database; an unrecognized
// value falls back to Unpaid rather than erroring.
func StringToState(s string) State {
	switch s {
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	default:
		return Unpaid
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
	case "PENDING":
		*s = Pending
	case "PAID":
		*s = Paid
	default:
		return errors.New("invalid melt quote state: " + str)
	}
	return nil
}

type PostMeltQuoteBolt11Request struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      State  `json:"state"`
	Paid       bool   `json:"paid"`
	Expiry     int64  `json:"expiry"`
	// Change carries signatures for any overpaid fee reserve, per the
	// legacy blank-output change mechanism wallets still send alongside
	// the newer NUT-08-style handling.
	Change cashu.BlindedSignatures `json:"change,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote  string `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
	// Outputs are optional blank NUT-08 outputs the mint signs with the
	// residual (the inputs' value, less the input fee, minus what the
	// payment actually cost) if there is any.
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	Paid     bool   `json:"paid"`
	State    State  `json:"state"`
	Preimage string `json:"payment_preimage"`
	Change   cashu.BlindedSignatures `json:"change,omitempty"`
}
