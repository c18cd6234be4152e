package payment

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

// FailPaymentDescription is a magic invoice description FakeBackend treats
// as an instruction to fail the payment, for exercising error paths in
// tests without a real failing node.
const FailPaymentDescription = "fail the payment"

const fakePreimage = "0000000000000000000000000000000000000000000000000000000000000000"

// FakeBackend is a deterministic in-process stand-in for a real Lightning
// node. It encodes and "pays" real BOLT11 invoices (so decoding/amount
// logic downstream is exercised honestly) without any network I/O.
type FakeBackend struct {
	mu sync.Mutex

	invoices map[string]*fakeInvoice // keyed by lookup id (payment hash)
	// PaymentDelay, if set, makes SendPayment report Pending until this
	// many seconds have elapsed since the invoice was created.
	PaymentDelay int64
	// RouteFeeSat, if set, is the fixed actual routing fee FakeBackend
	// reports paying on every successful SendPayment, letting tests drive
	// the melt change-settlement path without a real fee-estimating node.
	RouteFeeSat uint64
}

type fakeInvoice struct {
	paymentRequest string
	amount         uint64
	paid           bool
	paymentState   PaymentState
	feePaid        uint64
	createdAt      int64
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{invoices: make(map[string]*fakeInvoice)}
}

func (fb *FakeBackend) CreateInvoice(ctx context.Context, amount uint64) (Invoice, error) {
	req, hash, err := createFakeInvoice(amount, false)
	if err != nil {
		return Invoice{}, err
	}

	fb.mu.Lock()
	fb.invoices[hash] = &fakeInvoice{
		paymentRequest: req,
		amount:         amount,
		paid:           true,
		createdAt:      time.Now().Unix(),
	}
	fb.mu.Unlock()

	return Invoice{PaymentRequest: req, LookupId: hash, Amount: amount}, nil
}

// CheckIncomingPayment reports the invoice's full amount as a single
// payment, identified by the invoice's own lookup id, the moment the
// invoice is marked paid. FakeBackend never simulates partial/MPP payments.
func (fb *FakeBackend) CheckIncomingPayment(ctx context.Context, lookupId string) ([]Payment, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	inv, ok := fb.invoices[lookupId]
	if !ok {
		return nil, errors.New("invoice does not exist")
	}
	if !inv.paid {
		return nil, nil
	}
	return []Payment{{PaymentId: lookupId, Amount: inv.amount, Unit: "sat"}}, nil
}

func (fb *FakeBackend) FeeReserve(ctx context.Context, amount uint64) (uint64, error) {
	return 0, nil
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, amountMsat, maxFeeMsat uint64) (PaymentResult, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("error decoding invoice: %v", err)
	}

	state := PaymentSucceeded
	var feePaid uint64
	if invoice.Description == FailPaymentDescription {
		state = PaymentFailed
	} else if fb.PaymentDelay > 0 && time.Now().Unix() < int64(invoice.CreatedAt)+fb.PaymentDelay {
		state = PaymentPending
	} else {
		feePaid = fb.RouteFeeSat
		if feePaid*1000 > maxFeeMsat {
			feePaid = maxFeeMsat / 1000
		}
	}

	fb.mu.Lock()
	fb.invoices[invoice.PaymentHash] = &fakeInvoice{
		paymentRequest: request,
		amount:         uint64(invoice.MSatoshi) / 1000,
		paymentState:   state,
		feePaid:        feePaid,
		createdAt:      int64(invoice.CreatedAt),
	}
	fb.mu.Unlock()

	preimage := fakePreimage
	if state != PaymentSucceeded {
		preimage = ""
	}
	amountSat := uint64(invoice.MSatoshi) / 1000
	return PaymentResult{
		LookupId: invoice.PaymentHash, Preimage: preimage, State: state,
		FeePaid: feePaid, TotalSpent: amountSat + feePaid,
	}, nil
}

func (fb *FakeBackend) PaymentState(ctx context.Context, lookupId string) (PaymentResult, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	inv, ok := fb.invoices[lookupId]
	if !ok {
		return PaymentResult{}, errors.New("payment does not exist")
	}
	preimage := fakePreimage
	if inv.paymentState != PaymentSucceeded {
		preimage = ""
	}
	return PaymentResult{
		LookupId: lookupId, Preimage: preimage, State: inv.paymentState,
		FeePaid: inv.feePaid, TotalSpent: inv.amount + inv.feePaid,
	}, nil
}

// SetInvoicePaid lets tests flip an invoice's paid flag to exercise
// settlement-polling paths without a real node.
func (fb *FakeBackend) SetInvoicePaid(lookupId string, paid bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if inv, ok := fb.invoices[lookupId]; ok {
		inv.paid = paid
	}
}

func createFakeInvoice(amount uint64, failPayment bool) (request string, paymentHash string, err error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", err
	}
	hash := sha256.Sum256(random[:])

	description := "test"
	if failPayment {
		description = FailPaymentDescription
	}

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		hash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description(description),
	)
	if err != nil {
		return "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", err
	}

	return invoiceStr, hex.EncodeToString(hash[:]), nil
}
