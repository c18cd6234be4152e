package sqlite

import (
	"bytes"
	"encoding/hex"
	"errors"
	"log"
	"math/rand/v2"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/satoshinuts/mint/cashu"
	"github.com/satoshinuts/mint/cashu/nuts/nut04"
	"github.com/satoshinuts/mint/cashu/nuts/nut05"
	"github.com/satoshinuts/mint/crypto"
	"github.com/satoshinuts/mint/mint/storage"
)

var db *SQLiteDB

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testsqlite"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}

	db, err = InitSQLite(dbpath)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func TestProofs(t *testing.T) {
	proofs := generateRandomProofs(50)

	if err := db.SaveProofs(proofs); err != nil {
		t.Fatalf("error saving proofs: %v", err)
	}

	Ys := make([]string, 20)
	expectedProofs := make([]storage.DBProof, 20)
	for i := 0; i < 20; i++ {
		Y := crypto.HashToCurve([]byte(proofs[i].Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		Ys[i] = Yhex
		expectedProofs[i] = toDBProof(proofs[i], Yhex, "")
	}

	dbProofs, err := db.GetProofsUsed(Ys)
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}

	if len(dbProofs) != 20 {
		t.Fatalf("got incorrect number of proofs from db. Expected %v but got %v", 20, len(dbProofs))
	}

	sortDBProofs(expectedProofs)
	sortDBProofs(dbProofs)

	if !reflect.DeepEqual(dbProofs, expectedProofs) {
		t.Fatal("proofs from db do not match generated ones saved to db")
	}
}

func TestPendingProofsAndSettlement(t *testing.T) {
	quoteId := "quoteid12345"
	proofs := generateRandomProofs(50)

	if err := db.AddPendingProofs(proofs, quoteId); err != nil {
		t.Fatalf("error saving pending proofs: %v", err)
	}

	Ys := make([]string, 20)
	expectedProofs := make([]storage.DBProof, 20)
	for i := 0; i < 20; i++ {
		Y := crypto.HashToCurve([]byte(proofs[i].Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		Ys[i] = Yhex
		expectedProofs[i] = toDBProof(proofs[i], Yhex, quoteId)
	}

	pendingProofs, err := db.GetPendingProofs(Ys)
	if err != nil {
		t.Fatalf("error getting pending proofs: %v", err)
	}

	if len(pendingProofs) != 20 {
		t.Fatalf("got incorrect number of pending proofs from db. Expected %v but got %v",
			20, len(pendingProofs))
	}

	sortDBProofs(expectedProofs)
	sortDBProofs(pendingProofs)

	if !reflect.DeepEqual(pendingProofs, expectedProofs) {
		t.Fatal("pending proofs from db do not match generated ones saved to db")
	}

	proofs2 := generateRandomProofs(100)
	if err := db.AddPendingProofs(proofs2, "anotherquoteid"); err != nil {
		t.Fatalf("error saving pending proofs: %v", err)
	}

	expectedProofs = make([]storage.DBProof, 50)
	for i, proof := range proofs {
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Yhex := hex.EncodeToString(Y.SerializeCompressed())
		expectedProofs[i] = toDBProof(proof, Yhex, "")
	}

	pendingProofsByQuote, err := db.GetPendingProofsByQuote(quoteId)
	if err != nil {
		t.Fatalf("error getting pending proofs for quote id '%v': %v", quoteId, err)
	}

	if len(pendingProofsByQuote) != 50 {
		t.Fatalf("got incorrect number of pending proofs from db. Expected %v but got %v",
			50, len(pendingProofsByQuote))
	}

	sortDBProofs(expectedProofs)
	sortDBProofs(pendingProofsByQuote)

	if !reflect.DeepEqual(pendingProofsByQuote, expectedProofs) {
		t.Fatal("pending proofs from db do not match generated ones saved to db")
	}

	// settling half the reserved proofs should move them into the spent
	// ledger and clear them from pending, atomically
	settleYs := Ys[:10]
	if err := db.MovePendingToSpent(settleYs); err != nil {
		t.Fatalf("error settling pending proofs: %v", err)
	}

	spent, err := db.GetProofsUsed(settleYs)
	if err != nil {
		t.Fatalf("error getting used proofs: %v", err)
	}
	if len(spent) != 10 {
		t.Fatalf("expected %v settled proofs but got %v", 10, len(spent))
	}

	stillPending, err := db.GetPendingProofs(settleYs)
	if err != nil {
		t.Fatalf("error getting pending proofs: %v", err)
	}
	if len(stillPending) != 0 {
		t.Fatalf("expected settled proofs to be gone from pending but found %v", len(stillPending))
	}

	if err := db.RemovePendingProofs(Ys); err != nil {
		t.Fatalf("error deleting pending proofs: %v", err)
	}

	pendingProofs, err = db.GetPendingProofs(Ys)
	if err != nil {
		t.Fatalf("error getting pending proofs: %v", err)
	}

	if len(pendingProofs) != 0 {
		t.Fatalf("expected no pending proofs but got %v", len(pendingProofs))
	}
}

func TestMintQuotes(t *testing.T) {
	mintQuotes := generateRandomMintQuotes(150, false)

	var wg sync.WaitGroup
	var mu sync.RWMutex
	errs := make([]error, 0)
	for _, quote := range mintQuotes {
		wg.Add(1)
		go func(quote storage.MintQuote) {
			if err := db.SaveMintQuote(quote); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			wg.Done()
		}(quote)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("error saving mint quote: %v", errs[0])
	}

	expectedQuote := mintQuotes[21]
	quote, err := db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}
	if quote.Pubkey != nil {
		t.Fatalf("expected nil pubkey but got '%v'", quote.Pubkey)
	}

	quote, err = db.GetMintQuoteByLookupId(expectedQuote.LookupId)
	if err != nil {
		t.Fatalf("error getting mint quote by lookup id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	paymentId := generateRandomString(16)
	if err := db.AddPayment(quote.Id, paymentId, quote.Amount); err != nil {
		t.Fatalf("error adding payment: %v", err)
	}

	expectedQuote.AmountPaid = quote.Amount
	expectedQuote.State = nut04.Paid
	expectedQuote.Version++
	quote, err = db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	// crediting the same payment id twice must be a no-op
	if err := db.AddPayment(quote.Id, paymentId, quote.Amount); !errors.Is(err, storage.ErrDuplicatePaymentId) {
		t.Fatalf("expected ErrDuplicatePaymentId but got %v", err)
	}
	quote, err = db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("duplicate payment id must not change amount_paid or version")
	}

	// issuance cannot exceed what has been paid
	if err := db.AddIssuance(quote.Id, quote.AmountPaid+1); !errors.Is(err, storage.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment but got %v", err)
	}

	if err := db.AddIssuance(quote.Id, quote.AmountPaid); err != nil {
		t.Fatalf("error adding issuance: %v", err)
	}

	expectedQuote.AmountIssued = expectedQuote.AmountPaid
	expectedQuote.State = nut04.Issued
	expectedQuote.Version++
	quote, err = db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	// test mint quotes with pubkey (NUT-20 locked quotes)
	mintQuotes = generateRandomMintQuotes(20, true)

	errs = make([]error, 0)
	for _, quote := range mintQuotes {
		wg.Add(1)
		go func(quote storage.MintQuote) {
			if err := db.SaveMintQuote(quote); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			wg.Done()
		}(quote)
	}
	wg.Wait()

	expectedQuote = mintQuotes[10]
	quote, err = db.GetMintQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}
	if expectedQuote.Pubkey == nil {
		t.Fatal("expected pubkey in mint quote but got nil")
	}
	expectedPubkey := expectedQuote.Pubkey.SerializeCompressed()
	if !bytes.Equal(expectedPubkey, quote.Pubkey.SerializeCompressed()) {
		t.Fatalf("expected pubkey '%v' but got '%v'", expectedPubkey, quote.Pubkey.SerializeCompressed())
	}

	byPubkey, err := db.LookupMintQuotesByPubkey(hex.EncodeToString(expectedPubkey))
	if err != nil {
		t.Fatalf("error looking up mint quotes by pubkey: %v", err)
	}
	if len(byPubkey) != 1 {
		t.Fatalf("expected 1 quote for pubkey but got %v", len(byPubkey))
	}
}

func TestMeltQuote(t *testing.T) {
	meltQuotes := generateRandomMeltQuotes(150)

	var wg sync.WaitGroup
	var mu sync.RWMutex
	errs := make([]error, 0)
	for _, quote := range meltQuotes {
		wg.Add(1)
		go func(quote storage.MeltQuote) {
			if err := db.SaveMeltQuote(quote); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			wg.Done()
		}(quote)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("error saving melt quote: %v", errs[0])
	}

	expectedQuote := meltQuotes[21]
	quote, err := db.GetMeltQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}

	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	meltQuote, err := db.GetMeltQuoteByLookupId(expectedQuote.LookupId)
	if err != nil {
		t.Fatalf("error getting melt quote by lookup id: %v", err)
	}

	if !reflect.DeepEqual(expectedQuote, *meltQuote) {
		t.Fatal("quote from db does not match generated one")
	}

	if err := db.UpdateMeltQuote(quote.Id, quote.Version, "", nut05.Pending); err != nil {
		t.Fatalf("error updating melt quote: %v", err)
	}

	expectedQuote.State = nut05.Pending
	expectedQuote.Version++
	quote, err = db.GetMeltQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}

	if err := db.UpdateMeltQuote(quote.Id, quote.Version-1, "stale", nut05.Paid); err == nil {
		t.Fatal("expected error updating melt quote with stale version but got nil")
	}

	if err := db.UpdateMeltQuote(quote.Id, quote.Version, "fakepreimage", nut05.Paid); err != nil {
		t.Fatalf("error updating melt quote: %v", err)
	}

	expectedQuote.State = nut05.Paid
	expectedQuote.Preimage = "fakepreimage"
	expectedQuote.Version++
	quote, err = db.GetMeltQuote(expectedQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote by id: %v", err)
	}
	if !reflect.DeepEqual(expectedQuote, quote) {
		t.Fatal("quote from db does not match generated one")
	}
}

func TestBlindSignatures(t *testing.T) {
	count := 50
	blindedMessages := generateRandomB_s(count)
	blindSignatures := generateBlindSignatures(count)

	if err := db.SaveBlindSignatures(blindedMessages, blindSignatures); err != nil {
		t.Fatalf("unexpected error saving blind signatures: %v", err)
	}

	// saving the same blinded messages again must be a no-op, not a
	// duplicate-key error, since a retried mint/swap/melt request can
	// replay the same outputs
	if err := db.SaveBlindSignatures(blindedMessages, blindSignatures); err != nil {
		t.Fatalf("unexpected error re-saving already-signed blind signatures: %v", err)
	}

	expectedBlindSig := blindSignatures[21]
	blindSig, err := db.GetBlindSignature(blindedMessages[21])
	if err != nil {
		t.Fatalf("error getting blind signature: %v", err)
	}

	if !reflect.DeepEqual(blindSig, expectedBlindSig) {
		t.Fatal("blind signature from db does not match generated one")
	}

	blindSigs, err := db.GetBlindSignatures(blindedMessages[:20])
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}

	if len(blindSigs) != 20 {
		t.Fatalf("got incorrect number of blind signatures from db. Expected %v but got %v",
			20, len(blindSigs))
	}
}

func TestSagas(t *testing.T) {
	saga := storage.Saga{
		Id:          generateRandomString(32),
		MeltQuoteId: generateRandomString(32),
		State:       storage.SagaReserved,
		Steps: []storage.SagaStep{
			{Name: "reserve_proofs", Data: `{"ys":["a","b"]}`},
		},
		CreatedAt: 1000,
		UpdatedAt: 1000,
	}

	if err := db.SaveSaga(saga); err != nil {
		t.Fatalf("error saving saga: %v", err)
	}

	got, err := db.GetSaga(saga.Id)
	if err != nil {
		t.Fatalf("error getting saga: %v", err)
	}
	if !reflect.DeepEqual(saga, got) {
		t.Fatalf("saga from db does not match generated one. expected %+v got %+v", saga, got)
	}

	if err := db.UpdateSagaState(saga.Id, storage.SagaPaymentPending, 1); err != nil {
		t.Fatalf("error updating saga state: %v", err)
	}

	got, err = db.GetSaga(saga.Id)
	if err != nil {
		t.Fatalf("error getting saga: %v", err)
	}
	if got.State != storage.SagaPaymentPending {
		t.Fatalf("expected state %v but got %v", storage.SagaPaymentPending, got.State)
	}

	compensation := storage.SagaStep{Name: "release_pending_proofs", Data: `{"ys":["a","b"]}`, Compensated: true, CompensatedAt: 2000}
	if err := db.AppendSagaCompensation(saga.Id, compensation); err != nil {
		t.Fatalf("error appending saga compensation: %v", err)
	}

	got, err = db.GetSaga(saga.Id)
	if err != nil {
		t.Fatalf("error getting saga: %v", err)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("expected 2 recorded steps but got %v", len(got.Steps))
	}

	if err := db.UpdateSagaState(saga.Id, storage.SagaCompensated, 2); err != nil {
		t.Fatalf("error updating saga state: %v", err)
	}

	pending, err := db.ListPendingSagas()
	if err != nil {
		t.Fatalf("error listing pending sagas: %v", err)
	}
	for _, s := range pending {
		if s.Id == saga.Id {
			t.Fatal("compensated saga should not appear in pending sagas list")
		}
	}
}

func TestMeltChangeOutputs(t *testing.T) {
	quoteId := generateRandomString(32)
	outputs := generateRandomBlindedMessages(5)

	if err := db.SaveMeltChangeOutputs(quoteId, outputs); err != nil {
		t.Fatalf("error saving melt change outputs: %v", err)
	}

	got, err := db.GetMeltChangeOutputs(quoteId)
	if err != nil {
		t.Fatalf("error getting melt change outputs: %v", err)
	}
	sortBlindedMessages(got)
	sortBlindedMessages(outputs)
	if !reflect.DeepEqual(outputs, got) {
		t.Fatalf("melt change outputs from db do not match generated ones. expected %+v got %+v", outputs, got)
	}

	if err := db.DeleteMeltChangeOutputs(quoteId); err != nil {
		t.Fatalf("error deleting melt change outputs: %v", err)
	}

	got, err = db.GetMeltChangeOutputs(quoteId)
	if err != nil {
		t.Fatalf("error getting melt change outputs after delete: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no melt change outputs after delete but got %v", len(got))
	}
}

func generateRandomString(length int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

func generateRandomProofs(num int) cashu.Proofs {
	proofs := make(cashu.Proofs, num)

	for i := 0; i < num; i++ {
		proof := cashu.Proof{
			Amount: 21,
			Id:     generateRandomString(32),
			Secret: generateRandomString(64),
			C:      generateRandomString(64),
		}
		proofs[i] = proof
	}

	return proofs
}

func toDBProof(proof cashu.Proof, Y string, quoteId string) storage.DBProof {
	return storage.DBProof{
		Y:           Y,
		Amount:      proof.Amount,
		Id:          proof.Id,
		Secret:      proof.Secret,
		C:           proof.C,
		MeltQuoteId: quoteId,
	}
}

func sortDBProofs(proofs []storage.DBProof) {
	slices.SortFunc(proofs, func(a, b storage.DBProof) int {
		return strings.Compare(a.Secret, b.Secret)
	})
}

func generateRandomMintQuotes(num int, pubkey bool) []storage.MintQuote {
	quotes := make([]storage.MintQuote, num)
	for i := 0; i < num; i++ {
		quote := storage.MintQuote{
			Id:             generateRandomString(32),
			Unit:           "sat",
			Method:         "bolt11",
			Amount:         21,
			PaymentRequest: generateRandomString(100),
			LookupId:       generateRandomString(50),
			State:          nut04.Unpaid,
		}
		if pubkey {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				panic(err)
			}
			quote.Pubkey = key.PubKey()
		}
		quotes[i] = quote
	}
	return quotes
}

func generateRandomMeltQuotes(num int) []storage.MeltQuote {
	quotes := make([]storage.MeltQuote, num)
	for i := 0; i < num; i++ {
		quote := storage.MeltQuote{
			Id:             generateRandomString(32),
			Unit:           "sat",
			Method:         "bolt11",
			InvoiceRequest: generateRandomString(100),
			LookupId:       generateRandomString(50),
			Amount:         21,
			FeeReserve:     1,
			State:          nut05.Unpaid,
		}
		quotes[i] = quote
	}
	return quotes
}

func generateRandomBlindedMessages(num int) cashu.BlindedMessages {
	outputs := make(cashu.BlindedMessages, num)
	for i := 0; i < num; i++ {
		outputs[i] = cashu.BlindedMessage{
			Amount: 1 << uint(i),
			B_:     generateRandomString(33),
			Id:     generateRandomString(32),
		}
	}
	return outputs
}

func sortBlindedMessages(outputs cashu.BlindedMessages) {
	slices.SortFunc(outputs, func(a, b cashu.BlindedMessage) int {
		return strings.Compare(a.B_, b.B_)
	})
}

func generateRandomB_s(num int) []string {
	B_s := make([]string, num)
	for i := 0; i < num; i++ {
		B_s[i] = generateRandomString(33)
	}
	return B_s
}

func generateBlindSignatures(num int) cashu.BlindedSignatures {
	blindSigs := make(cashu.BlindedSignatures, num)
	for i := 0; i < num; i++ {
		sig := cashu.BlindedSignature{
			C_:     generateRandomString(33),
			Id:     generateRandomString(32),
			Amount: 21,
			DLEQ: &cashu.DLEQProof{
				E: generateRandomString(33),
				S: generateRandomString(33),
			},
		}
		blindSigs[i] = sig
	}
	return blindSigs
}
