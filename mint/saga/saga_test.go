package saga

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/satoshinuts/mint/cashu"
	"github.com/satoshinuts/mint/cashu/nuts/nut05"
	"github.com/satoshinuts/mint/crypto"
	"github.com/satoshinuts/mint/mint/keyset"
	"github.com/satoshinuts/mint/mint/payment"
	"github.com/satoshinuts/mint/mint/storage"
	"github.com/satoshinuts/mint/mint/storage/sqlite"
	"github.com/tyler-smith/go-bip39"
)

func newMeltQuote(id, request, lookupId string, amount uint64, feeReserve uint64) storage.MeltQuote {
	return storage.MeltQuote{
		Id:             id,
		Unit:           "sat",
		Method:         "bolt11",
		InvoiceRequest: request,
		LookupId:       lookupId,
		Amount:         amount,
		FeeReserve:     feeReserve,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(10 * time.Minute).Unix()),
	}
}

func newReservedSaga(id, meltQuoteId string, Ys []string) storage.Saga {
	return storage.Saga{
		Id:          id,
		MeltQuoteId: meltQuoteId,
		State:       storage.SagaReserved,
		Steps:       []storage.SagaStep{{Name: stepReserveProofs, Data: ysPayload(Ys)}},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testInvoice builds a real BOLT11 invoice string whose payment hash is
// returned alongside it, mirroring payment.FakeBackend's own invoice
// construction so SendPayment/PaymentState can decode it honestly.
func testInvoice(t *testing.T, amountSat uint64, description string) (request, paymentHash string) {
	t.Helper()
	var preimage [32]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		t.Fatalf("generating preimage: %v", err)
	}
	hash := sha256.Sum256(preimage[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		hash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amountSat*1000)),
		zpay32.Description(description),
	)
	if err != nil {
		t.Fatalf("building invoice: %v", err)
	}

	req, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return nil, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		t.Fatalf("encoding invoice: %v", err)
	}
	return req, hex.EncodeToString(hash[:])
}

func testProofs(n int, amount uint64, keysetId string) (cashu.Proofs, []string) {
	proofs := make(cashu.Proofs, n)
	Ys := make([]string, n)
	for i := 0; i < n; i++ {
		secret := uuid.NewString()
		proofs[i] = cashu.Proof{Amount: amount, Id: keysetId, Secret: secret, C: uuid.NewString()}
		Y := crypto.HashToCurve([]byte(secret))
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}
	return proofs, Ys
}

// testKeysets builds a real keyset manager backed by a random master key, so
// signChange has an actual active "sat" keyset to resolve amounts against.
func testKeysets(t *testing.T) (*keyset.Manager, *crypto.MintKeyset) {
	t.Helper()
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		t.Fatalf("generating entropy: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("generating mnemonic: %v", err)
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("deriving master key: %v", err)
	}

	manager := keyset.NewManager(master)
	ks, _, err := manager.Rotate("sat", 0)
	if err != nil {
		t.Fatalf("rotating sat keyset: %v", err)
	}
	return manager, ks
}

func newTestRunner(t *testing.T) (*Runner, *sqlite.SQLiteDB, *payment.FakeBackend, *crypto.MintKeyset) {
	t.Helper()
	db, err := sqlite.InitSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("init sqlite: %v", err)
	}
	backend := payment.NewFakeBackend()
	registry := payment.NewRegistry()
	registry.Register("sat", "bolt11", backend)
	manager, ks := testKeysets(t)
	return NewRunner(db, registry, manager, nil, testLogger()), db, backend, ks
}

func TestPaySettlesOnSuccess(t *testing.T) {
	runner, db, _, ks := newTestRunner(t)
	request, hash := testInvoice(t, 100, "test")

	proofs, Ys := testProofs(3, 34, ks.Id)
	meltQuote := newMeltQuote(uuid.NewString(), request, hash, 100, 2)

	if err := db.SaveMeltQuote(meltQuote); err != nil {
		t.Fatalf("saving melt quote: %v", err)
	}
	if err := db.AddPendingProofs(proofs, meltQuote.Id); err != nil {
		t.Fatalf("reserving proofs: %v", err)
	}

	result, err := runner.Pay(context.Background(), meltQuote, proofs, Ys, nil)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if result.State != nut05.Paid {
		t.Fatalf("expected quote state %v but got %v", nut05.Paid, result.State)
	}
	if result.Preimage == "" {
		t.Fatal("expected a preimage on a settled melt quote")
	}

	stored, err := db.GetMeltQuote(meltQuote.Id)
	if err != nil {
		t.Fatalf("getting melt quote: %v", err)
	}
	if stored.State != nut05.Paid {
		t.Fatalf("expected persisted state %v but got %v", nut05.Paid, stored.State)
	}

	usedProofs, err := db.GetProofsUsed(Ys)
	if err != nil {
		t.Fatalf("getting used proofs: %v", err)
	}
	if len(usedProofs) != len(Ys) {
		t.Fatalf("expected %v spent proofs but got %v", len(Ys), len(usedProofs))
	}
}

func TestPayCompensatesOnFailure(t *testing.T) {
	runner, db, _, ks := newTestRunner(t)
	request, hash := testInvoice(t, 100, payment.FailPaymentDescription)

	proofs, Ys := testProofs(2, 55, ks.Id)
	meltQuote := newMeltQuote(uuid.NewString(), request, hash, 100, 2)

	if err := db.SaveMeltQuote(meltQuote); err != nil {
		t.Fatalf("saving melt quote: %v", err)
	}
	if err := db.AddPendingProofs(proofs, meltQuote.Id); err != nil {
		t.Fatalf("reserving proofs: %v", err)
	}

	result, err := runner.Pay(context.Background(), meltQuote, proofs, Ys, nil)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if result.State != nut05.Unpaid {
		t.Fatalf("expected quote state %v but got %v", nut05.Unpaid, result.State)
	}

	pending, err := db.GetPendingProofsByQuote(meltQuote.Id)
	if err != nil {
		t.Fatalf("getting pending proofs: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected failed payment to release pending proofs, found %v still reserved", len(pending))
	}

	stored, err := db.GetMeltQuote(meltQuote.Id)
	if err != nil {
		t.Fatalf("getting melt quote: %v", err)
	}
	if stored.State != nut05.Unpaid {
		t.Fatalf("expected persisted state %v but got %v", nut05.Unpaid, stored.State)
	}
}

func TestRecoverPendingSettlesSuccessfulPayment(t *testing.T) {
	runner, db, backend, ks := newTestRunner(t)
	request, hash := testInvoice(t, 21, "test")

	proofs, Ys := testProofs(1, 21, ks.Id)
	meltQuote := newMeltQuote(uuid.NewString(), request, hash, 21, 0)
	meltQuote.State = nut05.Pending

	if err := db.SaveMeltQuote(meltQuote); err != nil {
		t.Fatalf("saving melt quote: %v", err)
	}
	if err := db.AddPendingProofs(proofs, meltQuote.Id); err != nil {
		t.Fatalf("reserving proofs: %v", err)
	}

	if err := db.SaveSaga(newReservedSaga(uuid.NewString(), meltQuote.Id, Ys)); err != nil {
		t.Fatalf("saving saga: %v", err)
	}

	// Simulate the payment having gone through on the node side while the
	// mint was down, by recording it directly against the backend.
	if _, err := backend.SendPayment(context.Background(), request, 21000, 1000); err != nil {
		t.Fatalf("dispatching payment against fake backend: %v", err)
	}

	runner.RecoverPending(context.Background())

	stored, err := db.GetMeltQuote(meltQuote.Id)
	if err != nil {
		t.Fatalf("getting melt quote: %v", err)
	}
	if stored.State != nut05.Paid {
		t.Fatalf("expected recovered quote state %v but got %v", nut05.Paid, stored.State)
	}
}

// blankOutput builds an unsigned change output against ks.
func blankOutput(t *testing.T, ks *crypto.MintKeyset) cashu.BlindedMessage {
	t.Helper()
	var secret, blindingFactor [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		t.Fatalf("generating secret: %v", err)
	}
	if _, err := rand.Read(blindingFactor[:]); err != nil {
		t.Fatalf("generating blinding factor: %v", err)
	}
	B_, _ := crypto.BlindMessage(secret[:], blindingFactor[:])
	return cashu.NewBlindedMessage(ks.Id, 0, B_)
}

func TestPaySignsChangeForResidual(t *testing.T) {
	runner, db, backend, ks := newTestRunner(t)
	backend.RouteFeeSat = 3

	request, hash := testInvoice(t, 80, "test")
	proofs, Ys := testProofs(1, 100, ks.Id)
	meltQuote := newMeltQuote(uuid.NewString(), request, hash, 80, 20)

	if err := db.SaveMeltQuote(meltQuote); err != nil {
		t.Fatalf("saving melt quote: %v", err)
	}
	if err := db.AddPendingProofs(proofs, meltQuote.Id); err != nil {
		t.Fatalf("reserving proofs: %v", err)
	}

	// residual = 100 - (80 + 3) = 17 -> largest-first powers of two: 16, 1.
	changeOutputs := cashu.BlindedMessages{blankOutput(t, ks), blankOutput(t, ks)}
	if err := db.SaveMeltChangeOutputs(meltQuote.Id, changeOutputs); err != nil {
		t.Fatalf("saving change outputs: %v", err)
	}

	result, err := runner.Pay(context.Background(), meltQuote, proofs, Ys, changeOutputs)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if result.State != nut05.Paid {
		t.Fatalf("expected quote state %v but got %v", nut05.Paid, result.State)
	}
	if len(result.Change) != 2 {
		t.Fatalf("expected 2 signed change outputs but got %v", len(result.Change))
	}

	total := uint64(0)
	for _, sig := range result.Change {
		total += sig.Amount
	}
	if total != 17 {
		t.Fatalf("expected change totaling 17 but got %v", total)
	}

	remaining, err := db.GetMeltChangeOutputs(meltQuote.Id)
	if err != nil {
		t.Fatalf("getting change outputs: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected change outputs cleared after settlement, found %v", len(remaining))
	}
}

func TestPaySignsChangeTruncatesToOutputBudget(t *testing.T) {
	runner, db, backend, ks := newTestRunner(t)
	backend.RouteFeeSat = 0

	request, hash := testInvoice(t, 80, "test")
	proofs, Ys := testProofs(1, 100, ks.Id)
	meltQuote := newMeltQuote(uuid.NewString(), request, hash, 80, 20)

	if err := db.SaveMeltQuote(meltQuote); err != nil {
		t.Fatalf("saving melt quote: %v", err)
	}
	if err := db.AddPendingProofs(proofs, meltQuote.Id); err != nil {
		t.Fatalf("reserving proofs: %v", err)
	}

	// residual = 100 - 80 = 20 -> decomposes to 16 + 4, two parts, but only
	// one blank output is supplied: the smaller denomination is dropped.
	changeOutputs := cashu.BlindedMessages{blankOutput(t, ks)}
	if err := db.SaveMeltChangeOutputs(meltQuote.Id, changeOutputs); err != nil {
		t.Fatalf("saving change outputs: %v", err)
	}

	result, err := runner.Pay(context.Background(), meltQuote, proofs, Ys, changeOutputs)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if len(result.Change) != 1 {
		t.Fatalf("expected 1 signed change output but got %v", len(result.Change))
	}
	if result.Change[0].Amount != 16 {
		t.Fatalf("expected the largest denomination (16) to be signed, got %v", result.Change[0].Amount)
	}
}
