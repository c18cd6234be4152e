// Package saga runs a melt quote's pay-out as a persisted saga: reserve the
// input proofs, dispatch the backend payment, then either settle (spend the
// proofs, sign change, mark the quote paid) or compensate (release the
// proofs, mark the quote unpaid again) in reverse order of what was done. A
// crash between steps is recovered by asking the backend for the payment's
// state and settling or compensating from the quote's persisted pending
// proofs and change outputs; the saga's step log is not replayed.
package saga

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/satoshinuts/mint/cashu"
	"github.com/satoshinuts/mint/cashu/nuts/nut05"
	"github.com/satoshinuts/mint/crypto"
	"github.com/satoshinuts/mint/mint/keyset"
	"github.com/satoshinuts/mint/mint/notify"
	"github.com/satoshinuts/mint/mint/payment"
	"github.com/satoshinuts/mint/mint/storage"

	"github.com/google/uuid"
)

const (
	stepReserveProofs = "reserve_proofs"
	stepDispatchPay   = "dispatch_payment"
	stepSettleProofs  = "settle_proofs"
	stepReleaseProofs = "release_pending_proofs"
)

// Runner drives melt sagas against a storage backend, a payment registry,
// and (optionally) a notification hub for state-change events.
type Runner struct {
	db       storage.MintDB
	backends *payment.Registry
	keysets  *keyset.Manager
	hub      *notify.Hub
	logger   *slog.Logger
}

func NewRunner(db storage.MintDB, backends *payment.Registry, keysets *keyset.Manager, hub *notify.Hub, logger *slog.Logger) *Runner {
	return &Runner{db: db, backends: backends, keysets: keysets, hub: hub, logger: logger}
}

// inputInfo is the subset of a proof's fields the fee/residual computation
// needs; it's shared by the live Pay path (which has full cashu.Proofs) and
// the crash-recovery path (which only has storage.DBProof rows).
type inputInfo struct {
	Amount   uint64
	KeysetId string
}

// Pay runs a melt quote to completion: reserve proofs, ask the backend to
// pay, settle (spending the proofs and signing any change) or compensate
// depending on the outcome. If the backend reports the payment is still
// pending, Pay returns with the quote and saga left in their pending states
// for a later RecoverPending pass (or a client poll) to resolve.
func (r *Runner) Pay(ctx context.Context, quote storage.MeltQuote, proofs cashu.Proofs, Ys []string, changeOutputs cashu.BlindedMessages) (storage.MeltQuote, error) {
	backend, err := r.backends.Get(quote.Unit, quote.Method)
	if err != nil {
		return storage.MeltQuote{}, err
	}

	id := uuid.NewString()
	s := storage.Saga{
		Id:          id,
		MeltQuoteId: quote.Id,
		State:       storage.SagaReserved,
		Steps:       []storage.SagaStep{{Name: stepReserveProofs, Data: ysPayload(Ys)}},
	}
	if err := r.db.SaveSaga(s); err != nil {
		return storage.MeltQuote{}, fmt.Errorf("persisting saga: %w", err)
	}

	if err := r.db.AppendSagaCompensation(id, storage.SagaStep{Name: stepDispatchPay, Data: quote.LookupId}); err != nil {
		r.logger.Warn("saga log append failed before dispatch", "saga", id, "err", err)
	}
	if err := r.db.UpdateSagaState(id, storage.SagaPaymentPending, 2); err != nil {
		return storage.MeltQuote{}, err
	}

	inputs := make([]inputInfo, len(proofs))
	for i, p := range proofs {
		inputs[i] = inputInfo{Amount: p.Amount, KeysetId: p.Id}
	}

	maxFee := quote.FeeReserve * 1000
	result, payErr := backend.SendPayment(ctx, quote.InvoiceRequest, quote.Amount*1000, maxFee)
	if payErr != nil {
		r.logger.Warn("melt payment dispatch error, treating as failed", "quote", quote.Id, "err", payErr)
		result.State = payment.PaymentFailed
	}

	switch result.State {
	case payment.PaymentSucceeded:
		return r.settle(quote, s.Id, Ys, inputs, changeOutputs, result.TotalSpent, result.Preimage)
	case payment.PaymentPending:
		r.logger.Info("melt payment pending", "quote", quote.Id)
		quote.State = nut05.Pending
		return quote, nil
	default:
		return r.compensate(quote, s.Id, Ys)
	}
}

// settle marks the reserved proofs spent, signs change for any residual
// between the proofs' value (less fees) and what the backend actually
// spent, and marks the quote Paid.
func (r *Runner) settle(quote storage.MeltQuote, sagaId string, Ys []string, inputs []inputInfo, changeOutputs cashu.BlindedMessages, totalSpent uint64, preimage string) (storage.MeltQuote, error) {
	if err := r.db.MovePendingToSpent(Ys); err != nil {
		return storage.MeltQuote{}, fmt.Errorf("settling proofs: %w", err)
	}

	change, err := r.signChange(inputs, changeOutputs, totalSpent)
	if err != nil {
		r.logger.Error("signing melt change failed, proceeding without change", "quote", quote.Id, "err", err)
		change = nil
	}
	if err := r.db.DeleteMeltChangeOutputs(quote.Id); err != nil {
		r.logger.Warn("failed to clear melt change outputs", "quote", quote.Id, "err", err)
	}

	if err := r.db.UpdateMeltQuote(quote.Id, quote.Version, preimage, nut05.Paid); err != nil {
		return storage.MeltQuote{}, err
	}
	quote.State = nut05.Paid
	quote.Preimage = preimage
	quote.Version++
	quote.Change = change

	if err := r.db.AppendSagaCompensation(sagaId, storage.SagaStep{Name: stepSettleProofs, Data: ysPayload(Ys)}); err != nil {
		r.logger.Warn("saga log append failed after successful settlement", "saga", sagaId, "err", err)
	}
	if err := r.db.UpdateSagaState(sagaId, storage.SagaSettled, 3); err != nil {
		r.logger.Warn("saga state update failed after successful settlement", "saga", sagaId, "err", err)
	}

	if r.hub != nil {
		r.hub.Publish(notify.Event{
			Topic:     notify.MeltQuoteTopic(quote.Id),
			MeltQuote: &notify.MeltQuoteState{QuoteId: quote.Id, State: quote.State},
		})
	}
	return quote, nil
}

// signChange distributes any residual between what the inputs were worth
// (less the transaction fee) and what the backend actually spent across
// changeOutputs, using the standard powers-of-two decomposition, largest
// denomination first. If the decomposition needs more outputs than were
// supplied, the smallest denominations are dropped and that value is kept
// by the mint; any outputs left over once the decomposition is exhausted
// are simply not signed.
func (r *Runner) signChange(inputs []inputInfo, changeOutputs cashu.BlindedMessages, totalSpent uint64) (cashu.BlindedSignatures, error) {
	if len(changeOutputs) == 0 {
		return nil, nil
	}

	var inputsAmount uint64
	var feesPpk uint
	for _, in := range inputs {
		inputsAmount += in.Amount
		if ks, ok := r.keysets.ById(in.KeysetId); ok {
			feesPpk += ks.InputFeePpk
		}
	}
	fee := uint64((feesPpk + 999) / 1000)

	if inputsAmount < fee+totalSpent {
		return nil, nil
	}
	residual := inputsAmount - fee - totalSpent
	if residual == 0 {
		return nil, nil
	}

	// AmountSplit returns ascending powers of two; reverse for largest-first.
	denominations := cashu.AmountSplit(residual)
	for i, j := 0, len(denominations)-1; i < j; i, j = i+1, j-1 {
		denominations[i], denominations[j] = denominations[j], denominations[i]
	}
	if len(denominations) > len(changeOutputs) {
		denominations = denominations[:len(changeOutputs)]
	}

	signatures := make(cashu.BlindedSignatures, 0, len(denominations))
	for i, amount := range denominations {
		out := changeOutputs[i]
		ks, ok := r.keysets.ById(out.Id)
		if !ok || !ks.Active {
			continue
		}
		key, ok := ks.Keys[amount]
		if !ok {
			continue
		}

		B_bytes, err := hex.DecodeString(out.B_)
		if err != nil {
			return nil, fmt.Errorf("invalid change output B_: %w", err)
		}
		B_, err := btcec.ParsePubKey(B_bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing change output B_: %w", err)
		}

		C_ := crypto.SignBlindedMessage(B_, key.PrivateKey)
		dleq, err := crypto.GenerateDLEQ(key.PrivateKey, B_, C_)
		if err != nil {
			return nil, fmt.Errorf("generating change DLEQ: %w", err)
		}

		sig := cashu.BlindedSignature{
			Amount: amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     ks.Id,
			DLEQ: &cashu.DLEQProof{
				E: hex.EncodeToString(dleq.E.Serialize()),
				S: hex.EncodeToString(dleq.S.Serialize()),
			},
		}
		if err := r.db.SaveBlindSignatures([]string{out.B_}, cashu.BlindedSignatures{sig}); err != nil {
			return nil, fmt.Errorf("saving change signature: %w", err)
		}
		signatures = append(signatures, sig)
	}

	return signatures, nil
}

// SignChange lets a settlement path that never goes through Pay (melt and
// mint quotes settled against each other internally, with no real backend
// dispatch) distribute change the same way a backend-paid melt does.
func (r *Runner) SignChange(proofs cashu.Proofs, changeOutputs cashu.BlindedMessages, totalSpent uint64) (cashu.BlindedSignatures, error) {
	inputs := make([]inputInfo, len(proofs))
	for i, p := range proofs {
		inputs[i] = inputInfo{Amount: p.Amount, KeysetId: p.Id}
	}
	return r.signChange(inputs, changeOutputs, totalSpent)
}

func (r *Runner) compensate(quote storage.MeltQuote, sagaId string, Ys []string) (storage.MeltQuote, error) {
	if err := r.db.UpdateSagaState(sagaId, storage.SagaCompensating, 2); err != nil {
		r.logger.Warn("saga state update failed entering compensation", "saga", sagaId, "err", err)
	}
	if err := r.db.RemovePendingProofs(Ys); err != nil {
		return storage.MeltQuote{}, fmt.Errorf("releasing pending proofs: %w", err)
	}
	if err := r.db.DeleteMeltChangeOutputs(quote.Id); err != nil {
		r.logger.Warn("failed to clear melt change outputs on compensation", "quote", quote.Id, "err", err)
	}
	if err := r.db.UpdateMeltQuote(quote.Id, quote.Version, "", nut05.Unpaid); err != nil {
		return storage.MeltQuote{}, err
	}
	quote.State = nut05.Unpaid
	quote.Version++

	if err := r.db.AppendSagaCompensation(sagaId, storage.SagaStep{Name: stepReleaseProofs, Data: ysPayload(Ys)}); err != nil {
		r.logger.Warn("saga log append failed after compensation", "saga", sagaId, "err", err)
	}
	if err := r.db.UpdateSagaState(sagaId, storage.SagaCompensated, 3); err != nil {
		r.logger.Warn("saga state update failed after compensation", "saga", sagaId, "err", err)
	}

	if r.hub != nil {
		r.hub.Publish(notify.Event{
			Topic:     notify.MeltQuoteTopic(quote.Id),
			MeltQuote: &notify.MeltQuoteState{QuoteId: quote.Id, State: quote.State},
		})
	}
	return quote, nil
}

// RecoverPending scans for sagas left in a non-terminal state by a crash
// mid-payment, re-checks the backend, and finalizes each one. Intended to
// be called on startup and then on a ticker (see RunRecoveryLoop).
func (r *Runner) RecoverPending(ctx context.Context) {
	sagas, err := r.db.ListPendingSagas()
	if err != nil {
		r.logger.Error("listing pending sagas for recovery", "err", err)
		return
	}

	for _, s := range sagas {
		quote, err := r.db.GetMeltQuote(s.MeltQuoteId)
		if err != nil {
			r.logger.Error("recovering saga: melt quote missing", "saga", s.Id, "quote", s.MeltQuoteId, "err", err)
			continue
		}
		if quote.State != nut05.Pending {
			continue
		}

		backend, err := r.backends.Get(quote.Unit, quote.Method)
		if err != nil {
			r.logger.Error("recovering saga: no backend configured", "saga", s.Id, "err", err)
			continue
		}

		result, err := backend.PaymentState(ctx, quote.LookupId)
		if err != nil {
			r.logger.Warn("recovering saga: backend status check failed, will retry later", "saga", s.Id, "err", err)
			continue
		}

		dbProofs, err := r.db.GetPendingProofsByQuote(quote.Id)
		if err != nil {
			r.logger.Error("recovering saga: could not load pending proofs", "saga", s.Id, "err", err)
			continue
		}
		Ys := make([]string, len(dbProofs))
		inputs := make([]inputInfo, len(dbProofs))
		for i, p := range dbProofs {
			Ys[i] = p.Y
			inputs[i] = inputInfo{Amount: p.Amount, KeysetId: p.Id}
		}

		changeOutputs, err := r.db.GetMeltChangeOutputs(quote.Id)
		if err != nil {
			r.logger.Warn("recovering saga: could not load change outputs", "saga", s.Id, "err", err)
		}

		switch result.State {
		case payment.PaymentSucceeded:
			if _, err := r.settle(quote, s.Id, Ys, inputs, changeOutputs, result.TotalSpent, result.Preimage); err != nil {
				r.logger.Error("recovering saga: settle failed", "saga", s.Id, "err", err)
			}
		case payment.PaymentFailed:
			if _, err := r.compensate(quote, s.Id, Ys); err != nil {
				r.logger.Error("recovering saga: compensate failed", "saga", s.Id, "err", err)
			}
		}
	}
}

// RunRecoveryLoop calls RecoverPending once immediately, then on every tick
// of interval, until ctx is canceled.
func (r *Runner) RunRecoveryLoop(ctx context.Context, interval time.Duration) {
	r.RecoverPending(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RecoverPending(ctx)
		}
	}
}

func ysPayload(Ys []string) string {
	out := "["
	for i, y := range Ys {
		if i > 0 {
			out += ","
		}
		out += `"` + y + `"`
	}
	return out + "]"
}
