package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/storage"
)

type CLNConfig struct {
	RestURL string
	Rune    string
}

// CLNClient is the settlement backend over CLN's REST interface
// (clnrest). Multi-path partial payments go through pay's
// partial_msat, so no manual route handling is needed here.
type CLNClient struct {
	config     CLNConfig
	client     *http.Client
	feeReserve FeeReserve

	// separate client without a timeout for the long-polling
	// invoice feed
	feedClient *http.Client

	// feedCtx is created once and cancelled exactly once by
	// CancelInvoiceFeed; subscriptions derive from it so the cancel
	// is permanent.
	feedCtx    context.Context
	feedCancel context.CancelFunc
	feedActive atomic.Bool
}

type clnErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func SetupCLNClient(config CLNConfig, feeReserve FeeReserve) (*CLNClient, error) {
	cln := &CLNClient{
		config:     config,
		client:     &http.Client{Timeout: 30 * time.Second},
		feedClient: &http.Client{},
		feeReserve: feeReserve,
	}
	cln.feedCtx, cln.feedCancel = context.WithCancel(context.Background())
	return cln, nil
}

func (cln *CLNClient) post(
	ctx context.Context,
	client *http.Client,
	path string,
	body interface{},
) ([]byte, error) {
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

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errResponse clnErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResponse); err != nil {
			return nil, fmt.Errorf("request to %s failed: %s", path, bodyBytes)
		}
		return nil, errors.New(errResponse.Message)
	}

	return bodyBytes, nil
}

func (cln *CLNClient) ConnectionStatus(ctx context.Context) error {
	_, err := cln.post(ctx, cln.client, "/v1/getinfo", nil)
	return err
}

func (cln *CLNClient) Settings() Settings {
	return Settings{
		Mpp:                true,
		Unit:               cashu.Msat,
		InvoiceDescription: true,
	}
}

func (cln *CLNClient) IsInvoiceFeedActive() bool {
	return cln.feedActive.Load()
}

func (cln *CLNClient) CancelInvoiceFeed() {
	cln.feedCancel()
}

// SubscribePaidInvoices long-polls waitanyinvoice, walking the node's
// pay index forward so every settled invoice is seen exactly once.
func (cln *CLNClient) SubscribePaidInvoices(ctx context.Context) (<-chan string, error) {
	if cln.feedCtx.Err() != nil {
		return nil, ErrFeedCancelled
	}

	// probe the connection first so a bad rune or url fails the
	// subscription call instead of the feed
	if err := cln.ConnectionStatus(ctx); err != nil {
		return nil, fmt.Errorf("%w: could not subscribe to invoices: %v", ErrConnection, err)
	}

	subCtx, subCancel := context.WithCancel(cln.feedCtx)
	stop := context.AfterFunc(ctx, subCancel)

	paidInvoices := make(chan string)
	cln.feedActive.Store(true)

	go func() {
		// the flag clears before the channel closes so a caller that
		// resubscribes on channel close never races a stale goroutine
		defer close(paidInvoices)
		defer stop()
		defer subCancel()
		defer cln.feedActive.Store(false)

		var lastPayIndex uint64
		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}

			body := map[string]interface{}{}
			if lastPayIndex > 0 {
				body["lastpay_index"] = lastPayIndex
			}
			respBytes, err := cln.post(subCtx, cln.feedClient, "/v1/waitanyinvoice", body)
			if err != nil {
				return
			}

			var response struct {
				Status      string `json:"status"`
				PaymentHash string `json:"payment_hash"`
				PayIndex    uint64 `json:"pay_index"`
			}
			if err := json.Unmarshal(respBytes, &response); err != nil {
				return
			}
			lastPayIndex = response.PayIndex

			if response.Status == "paid" {
				select {
				case paidInvoices <- response.PaymentHash:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return paidInvoices, nil
}

func (cln *CLNClient) PaymentQuote(request nut05.PostMeltQuoteBolt11Request) (PaymentQuote, error) {
	unit, err := cashu.UnitFromString(request.Unit)
	if err != nil {
		return PaymentQuote{}, err
	}

	bolt11, err := decodepay.Decodepay(request.Request)
	if err != nil {
		return PaymentQuote{}, fmt.Errorf("invalid invoice: %v", err)
	}

	amountMsat := uint64(bolt11.MSatoshi)
	if request.Options != nil && request.Options.Mpp != nil {
		amountMsat = request.Options.Mpp.AmountMsat
	}
	if amountMsat == 0 {
		return PaymentQuote{}, ErrUnknownInvoiceAmount
	}

	amount, err := cashu.ToUnit(amountMsat, cashu.Msat, unit)
	if err != nil {
		return PaymentQuote{}, err
	}

	return PaymentQuote{
		LookupId: bolt11.PaymentHash,
		Amount:   amount,
		Fee:      cln.feeReserve.Fee(amount),
		State:    nut05.Unpaid,
	}, nil
}

func (cln *CLNClient) PayInvoice(
	ctx context.Context,
	meltQuote storage.MeltQuote,
	partialAmountMsat uint64,
	maxFeeMsat uint64,
) (Payment, error) {
	bolt11, err := decodepay.Decodepay(meltQuote.InvoiceRequest)
	if err != nil {
		return Payment{}, fmt.Errorf("invalid invoice: %v", err)
	}

	payState, err := cln.OutgoingPaymentStatus(ctx, bolt11.PaymentHash)
	if err != nil {
		return Payment{}, err
	}
	switch payState.State {
	case nut05.Paid:
		return Payment{}, ErrInvoiceAlreadyPaid
	case nut05.Pending:
		return Payment{}, ErrPaymentPending
	}

	amountMsat := uint64(bolt11.MSatoshi)
	if amountMsat == 0 {
		amountMsat = meltQuote.AmountMsat
	}
	if amountMsat == 0 {
		return Payment{}, ErrUnknownInvoiceAmount
	}

	body := map[string]interface{}{
		"bolt11": meltQuote.InvoiceRequest,
	}
	if bolt11.MSatoshi == 0 {
		body["amount_msat"] = amountMsat
	}
	if maxFeeMsat > 0 {
		body["maxfee"] = maxFeeMsat
	}
	if partialAmountMsat > 0 {
		body["partial_msat"] = partialAmountMsat
	}

	respBytes, err := cln.post(ctx, cln.client, "/v1/pay", body)
	if err != nil {
		return Payment{}, fmt.Errorf("error sending payment: %v", err)
	}

	var response struct {
		Preimage       string `json:"payment_preimage"`
		Status         string `json:"status"`
		AmountSentMsat uint64 `json:"amount_sent_msat"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return Payment{}, fmt.Errorf("could not parse payment response: %v", err)
	}

	payment := Payment{
		LookupId: bolt11.PaymentHash,
		Unit:     cashu.Sat,
	}
	switch response.Status {
	case "complete":
		payment.State = nut05.Paid
		payment.Preimage = response.Preimage
		payment.TotalSpent = response.AmountSentMsat / cashu.MsatPerSat
	case "pending":
		payment.State = nut05.Pending
	case "failed":
		payment.State = nut05.Unpaid
	default:
		payment.State = nut05.Unknown
	}

	return payment, nil
}

func (cln *CLNClient) CreateInvoice(
	ctx context.Context,
	amount uint64,
	unit cashu.Unit,
	description string,
	unixExpiry uint64,
) (CreateInvoiceResult, error) {
	now := uint64(time.Now().Unix())
	if unixExpiry <= now {
		return CreateInvoiceResult{}, fmt.Errorf("invoice expiry '%v' is in the past", unixExpiry)
	}

	amountMsat, err := cashu.ToUnit(amount, unit, cashu.Msat)
	if err != nil {
		return CreateInvoiceResult{}, err
	}

	body := map[string]interface{}{
		"amount_msat": amountMsat,
		"label":       fmt.Sprintf("nutjar-%d", time.Now().UnixNano()),
		"description": description,
		"expiry":      unixExpiry - now,
	}
	respBytes, err := cln.post(ctx, cln.client, "/v1/invoice", body)
	if err != nil {
		return CreateInvoiceResult{}, err
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return CreateInvoiceResult{}, err
	}

	return CreateInvoiceResult{
		LookupId:       response.PaymentHash,
		PaymentRequest: response.Bolt11,
		Expiry:         unixExpiry,
	}, nil
}

func (cln *CLNClient) InvoiceState(ctx context.Context, lookupId string) (nut04.State, error) {
	body := map[string]string{"payment_hash": lookupId}
	respBytes, err := cln.post(ctx, cln.client, "/v1/listinvoices", body)
	if err != nil {
		return nut04.Unknown, err
	}

	var response struct {
		Invoices []struct {
			Status string `json:"status"`
		} `json:"invoices"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return nut04.Unknown, err
	}
	if len(response.Invoices) == 0 {
		return nut04.Unknown, ErrInvoiceNotFound
	}

	switch response.Invoices[0].Status {
	case "paid":
		return nut04.Paid, nil
	case "unpaid", "expired":
		return nut04.Unpaid, nil
	default:
		return nut04.Unknown, fmt.Errorf("unrecognized invoice state '%v'", response.Invoices[0].Status)
	}
}

func (cln *CLNClient) OutgoingPaymentStatus(ctx context.Context, lookupId string) (Payment, error) {
	body := map[string]string{"payment_hash": lookupId}
	respBytes, err := cln.post(ctx, cln.client, "/v1/listpays", body)
	if err != nil {
		return Payment{}, err
	}

	var response struct {
		Pays []struct {
			Status         string `json:"status"`
			Preimage       string `json:"preimage,omitempty"`
			AmountSentMsat uint64 `json:"amount_sent_msat"`
		} `json:"pays"`
	}
	if err := json.Unmarshal(respBytes, &response); err != nil {
		return Payment{}, err
	}

	// a payment the node has never seen is a clean Unknown
	// observation, not an error
	if len(response.Pays) == 0 {
		return Payment{
			LookupId: lookupId,
			State:    nut05.Unknown,
			Unit:     cln.Settings().Unit,
		}, nil
	}

	payment := Payment{
		LookupId: lookupId,
		Unit:     cln.Settings().Unit,
	}
	switch response.Pays[0].Status {
	case "complete":
		payment.State = nut05.Paid
		payment.Preimage = response.Pays[0].Preimage
		payment.TotalSpent = response.Pays[0].AmountSentMsat / cashu.MsatPerSat
		payment.Unit = cashu.Sat
	case "failed":
		payment.State = nut05.Failed
	default:
		payment.State = nut05.Pending
	}

	return payment, nil
}
