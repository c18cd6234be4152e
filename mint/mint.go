package mint

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/satoshinuts/mint/cashu"
	"github.com/satoshinuts/mint/cashu/nuts/nut04"
	"github.com/satoshinuts/mint/cashu/nuts/nut05"
	"github.com/satoshinuts/mint/cashu/nuts/nut06"
	"github.com/satoshinuts/mint/cashu/nuts/nut07"
	"github.com/satoshinuts/mint/cashu/nuts/nut10"
	"github.com/satoshinuts/mint/cashu/nuts/nut11"
	"github.com/satoshinuts/mint/cashu/nuts/nut14"
	"github.com/satoshinuts/mint/cashu/nuts/nut20"
	"github.com/satoshinuts/mint/crypto"
	"github.com/satoshinuts/mint/mint/keyset"
	"github.com/satoshinuts/mint/mint/notify"
	"github.com/satoshinuts/mint/mint/payment"
	"github.com/satoshinuts/mint/mint/saga"
	"github.com/satoshinuts/mint/mint/storage"
	"github.com/satoshinuts/mint/mint/storage/sqlite"
)

const QuoteExpiryMins = 10

// Mint is the engine behind a Cashu mint: it owns the signing keysets, the
// ledger, the payment backends, and the in-process notification hub, and
// exposes the NUT-03/04/05/07/08/09/11/14/20 operations a transport layer
// (HTTP, in this repo's case left as an external collaborator) calls into.
type Mint struct {
	db       storage.MintDB
	keysets  *keyset.Manager
	backends *payment.Registry
	hub      *notify.Hub
	sagas    *saga.Runner

	mintInfo nut06.MintInfo
	limits   MintLimits
	logger   *slog.Logger

	cancelRecovery context.CancelFunc
}

func LoadMint(config Config) (*Mint, error) {
	path := config.MintPath
	if len(path) == 0 {
		path = mintPath()
	}

	logger, err := setupLogger(path, config.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.InitSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("error setting up sqlite: %v", err)
	}

	seed, err := db.GetSeed()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			for {
				seed, err = hdkeychain.GenerateSeed(32)
				if err == nil {
					if err := db.SaveSeed(seed); err != nil {
						return nil, err
					}
					break
				}
			}
		} else {
			return nil, err
		}
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	keysetManager := keyset.NewManager(master)

	dbKeysets, err := db.GetKeysets()
	if err != nil {
		return nil, fmt.Errorf("error reading keysets from db: %v", err)
	}
	existing := make([]*crypto.MintKeyset, 0, len(dbKeysets))
	for _, dbks := range dbKeysets {
		ks, err := crypto.GenerateKeyset(master, dbks.Unit, dbks.DerivationPathIdx, dbks.InputFeePpk)
		if err != nil {
			return nil, err
		}
		ks.Active = dbks.Active
		existing = append(existing, ks)
	}
	keysetManager.Load(existing)

	if config.Backends == nil {
		return nil, errors.New("invalid payment backend registry")
	}

	hexseed := hex.EncodeToString(seed)
	for _, unit := range config.Units {
		if _, ok := keysetManager.Active(unit.Unit); ok {
			continue
		}
		ks, _, err := keysetManager.Rotate(unit.Unit, unit.InputFeePpk)
		if err != nil {
			return nil, fmt.Errorf("generating keyset for unit %s: %v", unit.Unit, err)
		}
		logger.Info(fmt.Sprintf("setting active keyset '%v' for unit '%v' with fee %v", ks.Id, unit.Unit, ks.InputFeePpk))
		if err := db.SaveKeyset(storage.DBKeyset{
			Id: ks.Id, Unit: ks.Unit, Active: true, Seed: hexseed,
			DerivationPathIdx: ks.DerivationPathIdx, InputFeePpk: ks.InputFeePpk,
		}); err != nil {
			return nil, fmt.Errorf("error saving new active keyset: %v", err)
		}
	}

	hub := notify.NewHub()
	sagaRunner := saga.NewRunner(db, config.Backends, keysetManager, hub, logger)

	mint := &Mint{
		db:       db,
		keysets:  keysetManager,
		backends: config.Backends,
		hub:      hub,
		sagas:    sagaRunner,
		limits:   config.Limits,
		logger:   logger,
	}
	mint.SetMintInfo(config.MintInfo)

	interval := config.RecoveryInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	mint.cancelRecovery = cancel
	go sagaRunner.RunRecoveryLoop(ctx, interval)

	return mint, nil
}

// Shutdown stops the saga recovery loop. The mint's db and hub are left for
// the caller to close/drain as it sees fit.
func (m *Mint) Shutdown() {
	if m.cancelRecovery != nil {
		m.cancelRecovery()
	}
}

// Notifications returns the hub components can subscribe to for proof and
// quote state changes (NUT-17).
func (m *Mint) Notifications() *notify.Hub {
	return m.hub
}

// mintPath returns the mint's path at $HOME/.gonuts/mint
func mintPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".gonuts", "mint")
	if err := os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func setupLogger(mintPath string, logLevel LogLevel) (*slog.Logger, error) {
	replacer := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		if a.Key == slog.TimeKey {
			a.Value = slog.StringValue(time.Now().Truncate(time.Second * 2).Format(time.DateTime))
		}
		return a
	}

	logFile, err := os.OpenFile(filepath.Join(mintPath, "mint.log"), os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %v", err)
	}

	logWriter := io.MultiWriter(os.Stdout, logFile)
	level := slog.LevelInfo
	switch logLevel {
	case Debug:
		level = slog.LevelDebug
	case Disable:
		logWriter = io.Discard
	}

	return slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: replacer,
	})), nil
}

// logInfof preserves the caller's source position in the log record,
// otherwise every message would be attributed to this helper instead of
// the call site.
func (m *Mint) logInfof(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelInfo, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logErrorf(format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

func (m *Mint) logDebugf(format string, args ...any) {
	if !m.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelDebug, fmt.Sprintf(format, args...), pcs[0])
	_ = m.logger.Handler().Handle(context.Background(), r)
}

// overflowAddUint64 adds a and b, reporting whether the sum overflowed
// uint64 instead of silently wrapping.
func overflowAddUint64(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return math.MaxUint64, true
	}
	return a + b, false
}

// underflowSubUint64 subtracts b from a, reporting whether it would have
// gone negative instead of silently wrapping.
func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}

// balance sums issued minus redeemed ecash across every keyset belonging
// to unit, for the minting-disabled balance cap check.
func (m *Mint) balance(unit string) (uint64, error) {
	issued, err := m.db.GetIssuedEcash()
	if err != nil {
		return 0, err
	}
	redeemed, err := m.db.GetRedeemedEcash()
	if err != nil {
		return 0, err
	}

	var total uint64
	for keysetId, amount := range issued {
		ks, ok := m.keysets.ById(keysetId)
		if !ok || ks.Unit != unit {
			continue
		}
		total, _ = overflowAddUint64(total, amount)
	}
	for keysetId, amount := range redeemed {
		ks, ok := m.keysets.ById(keysetId)
		if !ok || ks.Unit != unit {
			continue
		}
		total, _ = underflowSubUint64(total, amount)
	}
	return total, nil
}

// RequestMintQuote processes a request to mint tokens and returns a mint
// quote, per NUT-04: https://github.com/cashubtc/nuts/blob/main/04.md.
// pubkey, if non-empty, locks the quote per NUT-20.
func (m *Mint) RequestMintQuote(ctx context.Context, method string, amount uint64, unit string, pubkey string) (storage.MintQuote, error) {
	backend, err := m.backends.Get(unit, method)
	if err != nil {
		return storage.MintQuote{}, err
	}

	if m.limits.MintingSettings.MaxAmount > 0 && amount > m.limits.MintingSettings.MaxAmount {
		return storage.MintQuote{}, cashu.MintAmountExceededErr
	}
	if m.limits.MaxBalance > 0 {
		balance, err := m.balance(unit)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("could not get mint balance from db: %v", err), cashu.DBErrCode)
		}
		sum, overflowed := overflowAddUint64(balance, amount)
		if overflowed || sum > m.limits.MaxBalance {
			return storage.MintQuote{}, cashu.MintingDisabled
		}
	}

	var pubkeyParsed *secp256k1.PublicKey
	if len(pubkey) > 0 {
		pubkeyBytes, err := hex.DecodeString(pubkey)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError("invalid pubkey", cashu.StandardErrCode)
		}
		pubkeyParsed, err = secp256k1.ParsePubKey(pubkeyBytes)
		if err != nil {
			return storage.MintQuote{}, cashu.BuildCashuError("invalid pubkey", cashu.StandardErrCode)
		}
	}

	m.logInfof("requesting invoice from payment backend for %v %v", amount, unit)
	invoice, err := backend.CreateInvoice(ctx, amount)
	if err != nil {
		return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("could not generate invoice: %v", err), cashu.LightningBackendErrCode)
	}

	// A BOLT12 offer requested with no fixed amount is a reusable offer: it
	// can be paid and claimed any number of times, so it's never single-use.
	// Everything else (a fixed-amount BOLT11 invoice or a fixed-amount
	// BOLT12 request) is claimed once and done.
	singleUse := !(method == "bolt12" && amount == 0)

	mintQuote := storage.MintQuote{
		Id:             uuid.NewString(),
		Unit:           unit,
		Method:         method,
		Amount:         amount,
		PaymentRequest: invoice.PaymentRequest,
		LookupId:       invoice.LookupId,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
		Pubkey:         pubkeyParsed,
		SingleUse:      singleUse,
	}

	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("error saving mint quote to db: %v", err), cashu.DBErrCode)
	}

	return mintQuote, nil
}

// creditIncomingPayments polls the payment backend for every payment it has
// seen against a mint quote's lookup id and credits each one to amount_paid,
// deduping by payment id so a repeated poll never double-credits. It returns
// the quote's current row after crediting.
func (m *Mint) creditIncomingPayments(ctx context.Context, mintQuote storage.MintQuote) (storage.MintQuote, error) {
	backend, err := m.backends.Get(mintQuote.Unit, mintQuote.Method)
	if err != nil {
		return storage.MintQuote{}, err
	}

	m.logDebugf("checking status of invoice with lookup id '%v'", mintQuote.LookupId)
	payments, err := backend.CheckIncomingPayment(ctx, mintQuote.LookupId)
	if err != nil {
		return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("error getting invoice status: %v", err), cashu.LightningBackendErrCode)
	}

	credited := false
	for _, p := range payments {
		if err := m.db.AddPayment(mintQuote.Id, p.PaymentId, p.Amount); err != nil {
			if errors.Is(err, storage.ErrDuplicatePaymentId) {
				continue
			}
			return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("error crediting payment to mint quote: %v", err), cashu.DBErrCode)
		}
		credited = true
	}
	if !credited {
		return mintQuote, nil
	}

	updated, err := m.db.GetMintQuote(mintQuote.Id)
	if err != nil {
		return storage.MintQuote{}, cashu.BuildCashuError(fmt.Sprintf("error getting mint quote from db: %v", err), cashu.DBErrCode)
	}
	m.logInfof("mint quote '%v' received a payment, amount_paid now %v", updated.Id, updated.AmountPaid)
	m.publishMintQuote(updated)
	return updated, nil
}

// GetMintQuoteState returns the state of a mint quote, checking with the
// payment backend for new payments unless it's already been fully issued.
func (m *Mint) GetMintQuoteState(ctx context.Context, method, quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		return storage.MintQuote{}, cashu.QuoteNotExistErr
	}
	if mintQuote.Method != method {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	if mintQuote.State != nut04.Issued {
		mintQuote, err = m.creditIncomingPayments(ctx, mintQuote)
		if err != nil {
			return storage.MintQuote{}, err
		}
	}

	return mintQuote, nil
}

func (m *Mint) publishMintQuote(q storage.MintQuote) {
	m.hub.Publish(notify.Event{
		Topic:     notify.MintQuoteTopic(q.Id),
		MintQuote: &notify.MintQuoteState{QuoteId: q.Id, State: q.State},
	})
}

func (m *Mint) publishMeltQuote(q storage.MeltQuote) {
	m.hub.Publish(notify.Event{
		Topic:     notify.MeltQuoteTopic(q.Id),
		MeltQuote: &notify.MeltQuoteState{QuoteId: q.Id, State: q.State},
	})
}

// MintTokens verifies the mint quote with id has been paid and, if so,
// signs blindedMessages and returns the resulting BlindedSignatures. If the
// quote is NUT-20 locked, signature must verify against the quote's pubkey.
func (m *Mint) MintTokens(ctx context.Context, method, id string, blindedMessages cashu.BlindedMessages, signature *schnorr.Signature) (cashu.BlindedSignatures, error) {
	mintQuote, err := m.db.GetMintQuote(id)
	if err != nil {
		return nil, cashu.QuoteNotExistErr
	}
	if mintQuote.Method != method {
		return nil, cashu.PaymentMethodNotSupportedErr
	}

	if mintQuote.Pubkey != nil {
		if signature == nil {
			return nil, cashu.MintQuoteInvalidSigErr
		}
		if !nut20.VerifyMintQuoteSignature(signature, mintQuote.Id, blindedMessages, mintQuote.Pubkey) {
			return nil, cashu.MintQuoteInvalidSigErr
		}
	}

	if mintQuote.SingleUse && mintQuote.State == nut04.Issued {
		return nil, cashu.MintQuoteAlreadyIssued
	}

	var blindedMessagesAmount uint64
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		var overflowed bool
		blindedMessagesAmount, overflowed = overflowAddUint64(blindedMessagesAmount, bm.Amount)
		if overflowed {
			return nil, cashu.InvalidBlindedMessageAmount
		}
		B_s[i] = bm.B_
	}
	if mintQuote.Amount > 0 && blindedMessagesAmount > mintQuote.Amount {
		return nil, cashu.OutputsOverQuoteAmountErr
	}

	unclaimed, _ := underflowSubUint64(mintQuote.AmountPaid, mintQuote.AmountIssued)
	if blindedMessagesAmount > unclaimed {
		mintQuote, err = m.creditIncomingPayments(ctx, mintQuote)
		if err != nil {
			return nil, err
		}
		unclaimed, _ = underflowSubUint64(mintQuote.AmountPaid, mintQuote.AmountIssued)
	}
	if blindedMessagesAmount > unclaimed {
		return nil, cashu.MintQuoteRequestNotPaid
	}

	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error getting blind signatures from db: %v", err), cashu.DBErrCode)
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	if err := m.db.AddIssuance(mintQuote.Id, blindedMessagesAmount); err != nil {
		if errors.Is(err, storage.ErrInsufficientPayment) {
			return nil, cashu.MintQuoteRequestNotPaid
		}
		return nil, cashu.BuildCashuError(fmt.Sprintf("error updating mint quote state: %v", err), cashu.DBErrCode)
	}
	mintQuote.AmountIssued += blindedMessagesAmount
	mintQuote.State = nut04.DeriveState(mintQuote.AmountPaid, mintQuote.AmountIssued)
	mintQuote.Version++
	m.publishMintQuote(mintQuote)

	return blindedSignatures, nil
}

// Swap processes a request to swap tokens: verifies proofs are valid,
// signs blindedMessages, and invalidates the proofs used as input.
func (m *Mint) Swap(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	var proofsAmount uint64
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		var overflowed bool
		proofsAmount, overflowed = overflowAddUint64(proofsAmount, proof.Amount)
		if overflowed {
			return nil, cashu.InvalidProofErr
		}

		Y := crypto.HashToCurve([]byte(proof.Secret))
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	var blindedMessagesAmount uint64
	B_s := make([]string, len(blindedMessages))
	for i, bm := range blindedMessages {
		var overflowed bool
		blindedMessagesAmount, overflowed = overflowAddUint64(blindedMessagesAmount, bm.Amount)
		if overflowed {
			return nil, cashu.InvalidBlindedMessageAmount
		}
		B_s[i] = bm.B_
	}

	fees := m.TransactionFees(proofs)
	remaining, underflowed := underflowSubUint64(proofsAmount, uint64(fees))
	if underflowed || remaining < blindedMessagesAmount {
		return nil, cashu.InsufficientProofsAmount
	}

	if err := m.verifyProofs(proofs, Ys); err != nil {
		return nil, err
	}

	sigs, err := m.db.GetBlindSignatures(B_s)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error getting blind signatures from db: %v", err), cashu.DBErrCode)
	}
	if len(sigs) > 0 {
		return nil, cashu.BlindedMessageAlreadySigned
	}

	if nut11.ProofsSigAll(proofs) {
		m.logDebugf("P2PK locked proofs have SIG_ALL flag. Verifying blinded messages")
		if err := verifyP2PKBlindedMessages(proofs, blindedMessages); err != nil {
			return nil, err
		}
	}

	blindedSignatures, err := m.signBlindedMessages(blindedMessages)
	if err != nil {
		return nil, err
	}

	if err := m.db.SaveProofs(proofs); err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error invalidating proofs. Could not save proofs to db: %v", err), cashu.DBErrCode)
	}
	for _, y := range Ys {
		m.hub.Publish(notify.Event{
			Topic:      notify.ProofStateTopic(y),
			ProofState: &nut07.ProofState{Y: y, State: nut07.Spent},
		})
	}

	return blindedSignatures, nil
}

// RequestMeltQuote processes a request to melt tokens, i.e. pay an invoice
// on the wallet's behalf, and returns a MeltQuote.
func (m *Mint) RequestMeltQuote(ctx context.Context, method, request, unit string) (storage.MeltQuote, error) {
	backend, err := m.backends.Get(unit, method)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	bolt11, err := decodepay.Decodepay(request)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("invalid invoice: %v", err), cashu.MeltQuoteErrCode)
	}
	if bolt11.MSatoshi == 0 {
		return storage.MeltQuote{}, cashu.BuildCashuError("invoice has no amount", cashu.MeltQuoteErrCode)
	}
	satAmount := uint64(bolt11.MSatoshi) / 1000

	if m.limits.MeltingSettings.MaxAmount > 0 && satAmount > m.limits.MeltingSettings.MaxAmount {
		return storage.MeltQuote{}, cashu.MeltAmountExceededErr
	}

	fee, err := backend.FeeReserve(ctx, satAmount)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("could not get fee reserve: %v", err), cashu.LightningBackendErrCode)
	}
	m.logInfof("got melt quote request for invoice of amount '%v'. Setting fee reserve to %v", satAmount, fee)

	meltQuote := storage.MeltQuote{
		Id:             uuid.NewString(),
		Unit:           unit,
		Method:         method,
		InvoiceRequest: request,
		LookupId:       bolt11.PaymentHash,
		Amount:         satAmount,
		FeeReserve:     fee,
		State:          nut05.Unpaid,
		Expiry:         uint64(time.Now().Add(time.Minute * QuoteExpiryMins).Unix()),
	}

	// if a mint quote exists with the same invoice, it can be settled
	// internally, so no fee reserve is needed
	if mintQuote, err := m.db.GetMintQuoteByLookupId(bolt11.PaymentHash); err == nil {
		m.logDebugf("found mint quote '%v' with same invoice, fee reserve set to 0 for internal settlement", mintQuote.Id)
		meltQuote.InvoiceRequest = mintQuote.PaymentRequest
		meltQuote.LookupId = mintQuote.LookupId
		meltQuote.FeeReserve = 0
	}

	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error saving melt quote to db: %v", err), cashu.DBErrCode)
	}

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote, polling the backend
// if the quote is pending.
func (m *Mint) GetMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}
	if meltQuote.Method != method {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}

	if meltQuote.State == nut05.Pending {
		backend, err := m.backends.Get(meltQuote.Unit, meltQuote.Method)
		if err != nil {
			return storage.MeltQuote{}, err
		}

		result, err := backend.PaymentState(ctx, meltQuote.LookupId)
		if err != nil {
			m.logDebugf("payment state check for melt quote '%v' errored: %v", meltQuote.Id, err)
			return meltQuote, nil
		}

		dbProofs, err := m.db.GetPendingProofsByQuote(meltQuote.Id)
		if err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error getting pending proofs for quote: %v", err), cashu.DBErrCode)
		}
		Ys := make([]string, len(dbProofs))
		proofs := make(cashu.Proofs, len(dbProofs))
		for i, p := range dbProofs {
			Ys[i] = p.Y
			proofs[i] = cashu.Proof{Amount: p.Amount, Id: p.Id}
		}

		switch result.State {
		case payment.PaymentSucceeded:
			if err := m.db.MovePendingToSpent(Ys); err != nil {
				return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error settling proofs: %v", err), cashu.DBErrCode)
			}

			changeOutputs, err := m.db.GetMeltChangeOutputs(meltQuote.Id)
			if err != nil {
				m.logErrorf("loading melt change outputs for quote '%v' failed: %v", meltQuote.Id, err)
			}
			change, err := m.sagas.SignChange(proofs, changeOutputs, result.TotalSpent)
			if err != nil {
				m.logErrorf("signing melt change for quote '%v' failed, proceeding without change: %v", meltQuote.Id, err)
				change = nil
			}
			if err := m.db.DeleteMeltChangeOutputs(meltQuote.Id); err != nil {
				m.logErrorf("failed to clear melt change outputs for quote '%v': %v", meltQuote.Id, err)
			}

			if err := m.db.UpdateMeltQuote(meltQuote.Id, meltQuote.Version, result.Preimage, nut05.Paid); err != nil {
				return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
			}
			meltQuote.State = nut05.Paid
			meltQuote.Preimage = result.Preimage
			meltQuote.Version++
			meltQuote.Change = change
			m.publishMeltQuote(meltQuote)
		case payment.PaymentFailed:
			if err := m.db.RemovePendingProofs(Ys); err != nil {
				return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error removing pending proofs: %v", err), cashu.DBErrCode)
			}
			if err := m.db.DeleteMeltChangeOutputs(meltQuote.Id); err != nil {
				m.logErrorf("failed to clear melt change outputs for quote '%v': %v", meltQuote.Id, err)
			}
			if err := m.db.UpdateMeltQuote(meltQuote.Id, meltQuote.Version, "", nut05.Unpaid); err != nil {
				return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
			}
			meltQuote.State = nut05.Unpaid
			meltQuote.Version++
			m.publishMeltQuote(meltQuote)
		}
	}

	return meltQuote, nil
}

// MeltTokens verifies the proofs provided are valid and sufficient, then
// dispatches payment via the saga runner, settling internally first if a
// mint quote exists for the same invoice. changeOutputs are blank blinded
// messages the caller supplies to receive back any difference between the
// proofs' value and what the payment actually cost; the saga runner signs
// as many of them as the residual decomposes into.
func (m *Mint) MeltTokens(ctx context.Context, method, quoteId string, proofs cashu.Proofs, changeOutputs cashu.BlindedMessages) (storage.MeltQuote, error) {
	var proofsAmount uint64
	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		var overflowed bool
		proofsAmount, overflowed = overflowAddUint64(proofsAmount, proof.Amount)
		if overflowed {
			return storage.MeltQuote{}, cashu.InvalidProofErr
		}
		Y := crypto.HashToCurve([]byte(proof.Secret))
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		return storage.MeltQuote{}, cashu.QuoteNotExistErr
	}
	if meltQuote.Method != method {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	if meltQuote.State == nut05.Paid {
		return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
	}
	if meltQuote.State == nut05.Pending {
		return storage.MeltQuote{}, cashu.QuotePending
	}

	if err := m.verifyProofs(proofs, Ys); err != nil {
		return storage.MeltQuote{}, err
	}

	fees := m.TransactionFees(proofs)
	needed, overflowed := overflowAddUint64(meltQuote.Amount, meltQuote.FeeReserve)
	needed, overflowed2 := overflowAddUint64(needed, uint64(fees))
	if overflowed || overflowed2 || proofsAmount < needed {
		return storage.MeltQuote{}, cashu.InsufficientProofsAmount
	}

	if nut11.ProofsSigAll(proofs) {
		return storage.MeltQuote{}, nut11.SigAllOnlySwap
	}

	for _, out := range changeOutputs {
		ks, ok := m.keysets.ById(out.Id)
		if !ok {
			return storage.MeltQuote{}, cashu.UnknownKeysetErr
		}
		if !ks.Active {
			return storage.MeltQuote{}, cashu.InactiveKeysetSignatureRequest
		}
	}

	m.logInfof("verified proofs in melt tokens request. Setting proofs as pending before attempting payment.")
	if err := m.db.AddPendingProofs(proofs, meltQuote.Id); err != nil {
		if errors.Is(err, storage.ErrProofsAlreadyReserved) {
			return storage.MeltQuote{}, cashu.ProofPendingErr
		}
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error setting proofs as pending in db: %v", err), cashu.DBErrCode)
	}
	if err := m.db.SaveMeltChangeOutputs(meltQuote.Id, changeOutputs); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error saving change outputs: %v", err), cashu.DBErrCode)
	}
	if err := m.db.UpdateMeltQuote(meltQuote.Id, meltQuote.Version, "", nut05.Pending); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
	}
	meltQuote.State = nut05.Pending
	meltQuote.Version++
	m.publishMeltQuote(meltQuote)

	// settle internally if a mint quote exists for the same invoice
	if mintQuote, err := m.db.GetMintQuoteByLookupId(meltQuote.LookupId); err == nil {
		m.logDebugf("quotes '%v' and '%v' have same invoice so settling them internally", meltQuote.Id, mintQuote.Id)
		settled, err := m.settleQuotesInternally(mintQuote, meltQuote, proofs, changeOutputs)
		if err != nil {
			return storage.MeltQuote{}, err
		}
		if err := m.db.MovePendingToSpent(Ys); err != nil {
			return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error settling proofs: %v", err), cashu.DBErrCode)
		}
		if err := m.db.DeleteMeltChangeOutputs(meltQuote.Id); err != nil {
			m.logErrorf("failed to clear melt change outputs for quote '%v' after internal settlement: %v", meltQuote.Id, err)
		}
		m.publishMeltQuote(settled)
		return settled, nil
	}

	m.logInfof("attempting to pay invoice: %v", meltQuote.InvoiceRequest)
	result, err := m.sagas.Pay(ctx, meltQuote, proofs, Ys, changeOutputs)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	m.publishMeltQuote(result)
	return result, nil
}

// settleQuotesInternally marks a pair of mint/melt quotes with the same
// invoice as settled against each other, without touching a real backend.
// It still signs change for proofs against changeOutputs, since the melt
// quote's proofs can be worth more than the invoice even when no real
// payment is dispatched.
func (m *Mint) settleQuotesInternally(mintQuote storage.MintQuote, meltQuote storage.MeltQuote, proofs cashu.Proofs, changeOutputs cashu.BlindedMessages) (storage.MeltQuote, error) {
	backend, err := m.backends.Get(mintQuote.Unit, mintQuote.Method)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	result, err := backend.PaymentState(context.Background(), mintQuote.LookupId)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error getting invoice status from payment backend: %v", err), cashu.LightningBackendErrCode)
	}

	change, err := m.sagas.SignChange(proofs, changeOutputs, meltQuote.Amount)
	if err != nil {
		m.logErrorf("signing melt change for quote '%v' failed, proceeding without change: %v", meltQuote.Id, err)
		change = nil
	}

	if err := m.db.UpdateMeltQuote(meltQuote.Id, meltQuote.Version, result.Preimage, nut05.Paid); err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating melt quote state: %v", err), cashu.DBErrCode)
	}
	meltQuote.State = nut05.Paid
	meltQuote.Preimage = result.Preimage
	meltQuote.Version++
	meltQuote.Change = change

	// meltQuote.Id is a stable, unique payment id for this settlement: an
	// internal settlement happens at most once per melt quote, so crediting
	// against it is naturally idempotent with AddPayment's dedup.
	if err := m.db.AddPayment(mintQuote.Id, meltQuote.Id, meltQuote.Amount); err != nil && !errors.Is(err, storage.ErrDuplicatePaymentId) {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error updating mint quote state: %v", err), cashu.DBErrCode)
	}
	updatedMintQuote, err := m.db.GetMintQuote(mintQuote.Id)
	if err != nil {
		return storage.MeltQuote{}, cashu.BuildCashuError(fmt.Sprintf("error getting mint quote from db: %v", err), cashu.DBErrCode)
	}
	m.publishMintQuote(updatedMintQuote)

	return meltQuote, nil
}

func (m *Mint) ProofsStateCheck(Ys []string) ([]nut07.ProofState, error) {
	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, cashu.BuildCashuError(fmt.Sprintf("could not get used proofs from db: %v", err), cashu.DBErrCode)
	}
	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, cashu.BuildCashuError(fmt.Sprintf("could not get pending proofs from db: %v", err), cashu.DBErrCode)
	}

	proofStates := make([]nut07.ProofState, len(Ys))
	for i, y := range Ys {
		state := nut07.Unspent
		if slices.ContainsFunc(usedProofs, func(proof storage.DBProof) bool { return proof.Y == y }) {
			state = nut07.Spent
		} else if slices.ContainsFunc(pendingProofs, func(proof storage.DBProof) bool { return proof.Y == y }) {
			state = nut07.Pending
		}
		proofStates[i] = nut07.ProofState{Y: y, State: state}
	}

	return proofStates, nil
}

// SubscribeProofState returns a subscriber backfilled with the current
// state of Y, for NUT-17 websocket subscriptions.
func (m *Mint) SubscribeProofState(Y string) (*notify.Subscriber, error) {
	states, err := m.ProofsStateCheck([]string{Y})
	if err != nil {
		return nil, err
	}
	var backfill *notify.Event
	if len(states) == 1 {
		backfill = &notify.Event{Topic: notify.ProofStateTopic(Y), ProofState: &states[0]}
	}
	return m.hub.Subscribe(notify.ProofStateTopic(Y), backfill), nil
}

func (m *Mint) RestoreSignatures(blindedMessages cashu.BlindedMessages) (cashu.BlindedMessages, cashu.BlindedSignatures, error) {
	outputs := make(cashu.BlindedMessages, 0, len(blindedMessages))
	signatures := make(cashu.BlindedSignatures, 0, len(blindedMessages))

	for _, bm := range blindedMessages {
		sig, err := m.db.GetBlindSignature(bm.B_)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		} else if err != nil {
			return nil, nil, cashu.BuildCashuError(fmt.Sprintf("could not get signature from db: %v", err), cashu.DBErrCode)
		}
		outputs = append(outputs, bm)
		signatures = append(signatures, sig)
	}

	return outputs, signatures, nil
}

func (m *Mint) verifyProofs(proofs cashu.Proofs, Ys []string) error {
	if len(proofs) == 0 {
		return cashu.NoProofsProvided
	}

	pendingProofs, err := m.db.GetPendingProofs(Ys)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return cashu.BuildCashuError(fmt.Sprintf("could not get pending proofs from db: %v", err), cashu.DBErrCode)
	}
	if len(pendingProofs) != 0 {
		return cashu.ProofPendingErr
	}

	usedProofs, err := m.db.GetProofsUsed(Ys)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return cashu.BuildCashuError(fmt.Sprintf("could not get used proofs from db: %v", err), cashu.DBErrCode)
	}
	if len(usedProofs) != 0 {
		return cashu.ProofAlreadyUsedErr
	}

	if cashu.CheckDuplicateProofs(proofs) {
		return cashu.DuplicateProofs
	}

	for _, proof := range proofs {
		ks, ok := m.keysets.ById(proof.Id)
		if !ok {
			return cashu.UnknownKeysetErr
		}
		key, ok := ks.Keys[proof.Amount]
		if !ok {
			return cashu.InvalidProofErr
		}
		k := key.PrivateKey

		switch nut10.SecretType(proof) {
		case nut10.P2PK:
			m.logDebugf("verifying P2PK locked proof")
			if err := verifyP2PKLockedProof(proof); err != nil {
				return err
			}
		case nut10.HTLC:
			m.logDebugf("verifying HTLC locked proof")
			secret, err := nut10.DeserializeSecret(proof.Secret)
			if err != nil {
				return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
			}
			if err := nut14.VerifyHTLCProof(proof, secret); err != nil {
				return err
			}
		}

		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return cashu.BuildCashuError(fmt.Sprintf("invalid C: %v", err), cashu.StandardErrCode)
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		if !crypto.Verify([]byte(proof.Secret), k, C) {
			return cashu.InvalidProofErr
		}
	}
	return nil
}

func verifyP2PKLockedProof(proof cashu.Proof) error {
	p2pkWellKnownSecret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}

	var p2pkWitness nut11.P2PKWitness
	if err := json.Unmarshal([]byte(proof.Witness), &p2pkWitness); err != nil {
		p2pkWitness.Signatures = []string{}
	}

	p2pkTags, err := nut11.ParseP2PKTags(p2pkWellKnownSecret.Tags)
	if err != nil {
		return err
	}

	signaturesRequired := 1
	if p2pkTags.Locktime > 0 && time.Now().Local().Unix() > p2pkTags.Locktime {
		if len(p2pkTags.Refund) == 0 {
			return nil
		}
		hash := sha256.Sum256([]byte(proof.Secret))
		if len(p2pkWitness.Signatures) < 1 {
			return nut11.InvalidWitnessErr
		}
		if !nut11.HasValidSignatures(hash[:], p2pkWitness, signaturesRequired, p2pkTags.Refund) {
			return nut11.NotEnoughSignaturesErr
		}
		return nil
	}

	pubkey, err := nut11.ParsePublicKey(p2pkWellKnownSecret.Data)
	if err != nil {
		return err
	}
	keys := []*btcec.PublicKey{pubkey}
	hash := sha256.Sum256([]byte(proof.Secret))

	if p2pkTags.NSigs > 0 {
		signaturesRequired = p2pkTags.NSigs
		if len(p2pkTags.Pubkeys) == 0 {
			return nut11.EmptyPubkeysErr
		}
		keys = append(keys, p2pkTags.Pubkeys...)
	}

	if len(p2pkWitness.Signatures) < 1 {
		return nut11.InvalidWitnessErr
	}
	if !nut11.HasValidSignatures(hash[:], p2pkWitness, signaturesRequired, keys) {
		return nut11.NotEnoughSignaturesErr
	}
	return nil
}

func verifyP2PKBlindedMessages(proofs cashu.Proofs, blindedMessages cashu.BlindedMessages) error {
	secret, err := nut10.DeserializeSecret(proofs[0].Secret)
	if err != nil {
		return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
	}
	pubkeys, err := nut11.PublicKeys(secret)
	if err != nil {
		return err
	}

	signaturesRequired := 1
	p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
	if err != nil {
		return err
	}
	if p2pkTags.NSigs > 0 {
		signaturesRequired = p2pkTags.NSigs
	}

	for _, proof := range proofs {
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		if !nut11.IsSigAll(secret) {
			return nut11.AllSigAllFlagsErr
		}

		currentSignaturesRequired := 1
		p2pkTags, err := nut11.ParseP2PKTags(secret.Tags)
		if err != nil {
			return err
		}
		if p2pkTags.NSigs > 0 {
			currentSignaturesRequired = p2pkTags.NSigs
		}

		currentKeys, err := nut11.PublicKeys(secret)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(pubkeys, currentKeys) {
			return nut11.SigAllKeysMustBeEqualErr
		}
		if signaturesRequired != currentSignaturesRequired {
			return nut11.NSigsMustBeEqualErr
		}
	}

	for _, bm := range blindedMessages {
		B_bytes, err := hex.DecodeString(bm.B_)
		if err != nil {
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
		hash := sha256.Sum256(B_bytes)

		var witness nut11.P2PKWitness
		if err := json.Unmarshal([]byte(bm.Witness), &witness); err != nil || len(witness.Signatures) < 1 {
			return nut11.InvalidWitnessErr
		}
		if !nut11.HasValidSignatures(hash[:], witness, signaturesRequired, pubkeys) {
			return nut11.NotEnoughSignaturesErr
		}
	}

	return nil
}

// signBlindedMessages signs blindedMessages with their keyset's amount key
// and returns the resulting BlindedSignatures, persisting each one.
func (m *Mint) signBlindedMessages(blindedMessages cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	blindedSignatures := make(cashu.BlindedSignatures, len(blindedMessages))
	B_s := make([]string, len(blindedMessages))

	for i, msg := range blindedMessages {
		ks, ok := m.keysets.ById(msg.Id)
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		if !ks.Active {
			return nil, cashu.InactiveKeysetSignatureRequest
		}
		key, ok := ks.Keys[msg.Amount]
		if !ok {
			return nil, cashu.InvalidBlindedMessageAmount
		}

		B_bytes, err := hex.DecodeString(msg.B_)
		if err != nil {
			return nil, cashu.BuildCashuError(fmt.Sprintf("invalid B_: %v", err), cashu.StandardErrCode)
		}
		B_, err := btcec.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)
		C_hex := hex.EncodeToString(C_.SerializeCompressed())

		dleq, err := crypto.GenerateDLEQ(key.PrivateKey, B_, C_)
		if err != nil {
			return nil, cashu.BuildCashuError(fmt.Sprintf("error generating DLEQ proof: %v", err), cashu.StandardErrCode)
		}

		blindedSignatures[i] = cashu.BlindedSignature{
			Amount: msg.Amount,
			C_:     C_hex,
			Id:     ks.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(dleq.E.Serialize()),
				S: hex.EncodeToString(dleq.S.Serialize()),
			},
		}
		B_s[i] = msg.B_
	}

	if err := m.db.SaveBlindSignatures(B_s, blindedSignatures); err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("error saving blind signatures: %v", err), cashu.DBErrCode)
	}

	return blindedSignatures, nil
}

func (m *Mint) TransactionFees(inputs cashu.Proofs) uint {
	var fees uint
	for _, proof := range inputs {
		if ks, ok := m.keysets.ById(proof.Id); ok {
			fees += ks.InputFeePpk
		}
	}
	return (fees + 999) / 1000
}

func (m *Mint) GetActiveKeyset(unit string) (*crypto.MintKeyset, bool) {
	return m.keysets.Active(unit)
}

func (m *Mint) GetKeyset(id string) (*crypto.MintKeyset, bool) {
	return m.keysets.ById(id)
}

func (m *Mint) AllKeysets() []*crypto.MintKeyset {
	return m.keysets.All()
}

func (m *Mint) SetMintInfo(mintInfo MintInfo) {
	nuts := nut06.NutsMap{
		4:  m.mintMethodSettings(),
		5:  m.meltMethodSettings(),
		7:  map[string]bool{"supported": true},
		8:  map[string]bool{"supported": true},
		9:  map[string]bool{"supported": true},
		10: map[string]bool{"supported": true},
		11: map[string]bool{"supported": true},
		12: map[string]bool{"supported": true},
		14: map[string]bool{"supported": true},
		20: map[string]bool{"supported": true},
	}

	m.mintInfo = nut06.MintInfo{
		Name:            mintInfo.Name,
		Version:         "gonuts/0.2.0",
		Description:     mintInfo.Description,
		LongDescription: mintInfo.LongDescription,
		Contact:         mintInfo.Contact,
		Motd:            mintInfo.Motd,
		Nuts:            nuts,
	}
}

func (m *Mint) mintMethodSettings() nut06.NutSetting {
	methods := make([]nut06.MethodSetting, 0, len(m.backends.SupportedPairs()))
	for _, pair := range m.backends.SupportedPairs() {
		methods = append(methods, nut06.MethodSetting{
			Method:    pair[1],
			Unit:      pair[0],
			MinAmount: m.limits.MintingSettings.MinAmount,
			MaxAmount: m.limits.MintingSettings.MaxAmount,
		})
	}
	return nut06.NutSetting{Methods: methods}
}

func (m *Mint) meltMethodSettings() nut06.NutSetting {
	methods := make([]nut06.MethodSetting, 0, len(m.backends.SupportedPairs()))
	for _, pair := range m.backends.SupportedPairs() {
		methods = append(methods, nut06.MethodSetting{
			Method:    pair[1],
			Unit:      pair[0],
			MinAmount: m.limits.MeltingSettings.MinAmount,
			MaxAmount: m.limits.MeltingSettings.MaxAmount,
		})
	}
	return nut06.NutSetting{Methods: methods}
}

func (m *Mint) RetrieveMintInfo() (nut06.MintInfo, error) {
	seed, err := m.db.GetSeed()
	if err != nil {
		return nut06.MintInfo{}, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nut06.MintInfo{}, err
	}
	publicKey, err := master.ECPubKey()
	if err != nil {
		return nut06.MintInfo{}, err
	}

	mintingDisabled := false
	if m.limits.MaxBalance > 0 {
		for _, unit := range m.keysets.ActiveUnits() {
			balance, err := m.balance(unit)
			if err != nil {
				return nut06.MintInfo{}, cashu.BuildCashuError(fmt.Sprintf("error getting mint balance: %v", err), cashu.DBErrCode)
			}
			if balance >= m.limits.MaxBalance {
				mintingDisabled = true
				break
			}
		}
	}

	mint04 := m.mintInfo.Nuts[4].(nut06.NutSetting)
	mint04.Disabled = mintingDisabled
	m.mintInfo.Nuts[4] = mint04
	m.mintInfo.Pubkey = hex.EncodeToString(publicKey.SerializeCompressed())

	return m.mintInfo, nil
}
