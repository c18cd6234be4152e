package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

const clnFeePercent = 1.0

// CLNConfig points the backend at a Core Lightning node's REST plugin.
type CLNConfig struct {
	RestURL string
	Rune    string
}

// CLNBackend implements Backend against a Core Lightning REST endpoint.
type CLNBackend struct {
	config CLNConfig
	client *http.Client
}

type clnErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewCLNBackend(config CLNConfig) *CLNBackend {
	return &CLNBackend{config: config, client: &http.Client{Timeout: 30 * time.Second}}
}

func (cln *CLNBackend) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cln.config.RestURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := cln.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errRes clnErrorResponse
		if jsonErr := json.Unmarshal(respBytes, &errRes); jsonErr == nil && errRes.Message != "" {
			return nil, errors.New(errRes.Message)
		}
		return nil, fmt.Errorf("CLN request to %s failed: %s", path, respBytes)
	}

	return respBytes, nil
}

func (cln *CLNBackend) CreateInvoice(ctx context.Context, amount uint64) (Invoice, error) {
	r := rand.New(rand.NewPCG(uint64(time.Now().UnixMicro()), uint64(time.Now().UnixMilli())))
	body := map[string]interface{}{
		"amount_msat": amount * 1000,
		"label":       fmt.Sprintf("%d-%d", time.Now().Unix(), r.Int()),
		"description": "cashu mint quote",
		"expiry":      900,
	}

	respBytes, err := cln.post(ctx, "/v1/invoice", body)
	if err != nil {
		return Invoice{}, err
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return Invoice{}, err
	}

	return Invoice{PaymentRequest: response.Bolt11, LookupId: response.PaymentHash, Amount: amount, Expiry: 900}, nil
}

// CheckIncomingPayment reports the invoice's received amount as a single
// payment, keyed by CLN's own payment_hash, once CLN reports it paid. CLN's
// REST listinvoices does not expose per-partial-payment detail, so a fully
// paid BOLT11 invoice here always surfaces as exactly one Payment.
func (cln *CLNBackend) CheckIncomingPayment(ctx context.Context, lookupId string) ([]Payment, error) {
	respBytes, err := cln.post(ctx, "/v1/listinvoices", map[string]string{"payment_hash": lookupId})
	if err != nil {
		return nil, err
	}

	var response struct {
		Invoices []struct {
			Status            string `json:"status"`
			AmountReceivedMsat uint64 `json:"amount_received_msat"`
		} `json:"invoices"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return nil, err
	}
	if len(response.Invoices) == 0 {
		return nil, fmt.Errorf("invoice not found")
	}

	if response.Invoices[0].Status != "paid" {
		return nil, nil
	}
	return []Payment{{
		PaymentId: lookupId,
		Amount:    response.Invoices[0].AmountReceivedMsat / 1000,
		Unit:      "sat",
	}}, nil
}

func (cln *CLNBackend) FeeReserve(ctx context.Context, amount uint64) (uint64, error) {
	return uint64(math.Ceil(float64(amount) * clnFeePercent / 100)), nil
}

func (cln *CLNBackend) SendPayment(ctx context.Context, request string, amountMsat, maxFeeMsat uint64) (PaymentResult, error) {
	body := map[string]interface{}{
		"bolt11": request,
		"maxfee": maxFeeMsat,
	}
	if amountMsat > 0 {
		body["partial_msat"] = amountMsat
	}

	respBytes, err := cln.post(ctx, "/v1/pay", body)
	if err != nil {
		return PaymentResult{State: PaymentFailed}, err
	}

	var response struct {
		Preimage       string `json:"payment_preimage"`
		Status         string `json:"status"`
		PaymentHash    string `json:"payment_hash"`
		AmountSentMsat uint64 `json:"amount_sent_msat"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return PaymentResult{State: PaymentPending}, err
	}

	state := PaymentPending
	switch response.Status {
	case "complete":
		state = PaymentSucceeded
	case "failed":
		state = PaymentFailed
	}

	totalSpent := response.AmountSentMsat / 1000
	var feePaid uint64
	if totalSpent > amountMsat/1000 {
		feePaid = totalSpent - amountMsat/1000
	}
	return PaymentResult{
		LookupId: response.PaymentHash, Preimage: response.Preimage, State: state,
		FeePaid: feePaid, TotalSpent: totalSpent,
	}, nil
}

func (cln *CLNBackend) PaymentState(ctx context.Context, lookupId string) (PaymentResult, error) {
	respBytes, err := cln.post(ctx, "/v1/listpays", map[string]string{"payment_hash": lookupId})
	if err != nil {
		return PaymentResult{}, err
	}

	var response struct {
		Pays []struct {
			Status         string `json:"status"`
			Preimage       string `json:"preimage,omitempty"`
			AmountSentMsat uint64 `json:"amount_sent_msat"`
			AmountMsat     uint64 `json:"amount_msat"`
		} `json:"pays"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return PaymentResult{}, err
	}
	if len(response.Pays) == 0 {
		return PaymentResult{State: PaymentFailed}, errors.New("outgoing payment not found")
	}

	pay := response.Pays[0]
	totalSpent := pay.AmountSentMsat / 1000
	var feePaid uint64
	if pay.AmountSentMsat > pay.AmountMsat {
		feePaid = (pay.AmountSentMsat - pay.AmountMsat) / 1000
	}

	switch pay.Status {
	case "complete":
		return PaymentResult{
			LookupId: lookupId, Preimage: pay.Preimage, State: PaymentSucceeded,
			FeePaid: feePaid, TotalSpent: totalSpent,
		}, nil
	case "failed":
		return PaymentResult{LookupId: lookupId, State: PaymentFailed}, nil
	default:
		return PaymentResult{LookupId: lookupId, State: PaymentPending}, nil
	}
}
