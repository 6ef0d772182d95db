package mint

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/lightning"
	"github.com/nutjar/nutjar/mint/pubsub"
	"github.com/nutjar/nutjar/mint/storage"
	"github.com/nutjar/nutjar/mint/storage/bolt"
	"github.com/nutjar/nutjar/mint/storage/sqlite"
)

const (
	DefaultQuoteExpiryMins = 10

	BOLT11_MINT_QUOTE_TOPIC = "bolt11_mint_quote_topic"
	BOLT11_MELT_QUOTE_TOPIC = "bolt11_melt_quote_topic"
)

type Mint struct {
	db              storage.MintDB
	lightningClient lightning.Client
	mppEnabled      bool
	quoteExpiryMins uint

	publisher *pubsub.PubSub
	logger    *slog.Logger
}

func LoadMint(config Config) (*Mint, error) {
	if config.LightningClient == nil {
		return nil, errors.New("invalid lightning client")
	}

	var db storage.MintDB
	var err error
	switch config.DBBackend {
	case "bolt":
		db, err = bolt.InitBolt(config.DBPath)
	default:
		db, err = sqlite.InitSQLite(config.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("error setting up db: %v", err)
	}

	quoteExpiry := config.QuoteExpiryMins
	if quoteExpiry == 0 {
		quoteExpiry = DefaultQuoteExpiryMins
	}

	mppEnabled := config.EnableMPP
	if mppEnabled && !config.LightningClient.Settings().Mpp {
		return nil, errors.New("mpp enabled but backend does not support multi-path payments")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.LogLevel,
	}))

	return &Mint{
		db:              db,
		lightningClient: config.LightningClient,
		mppEnabled:      mppEnabled,
		quoteExpiryMins: quoteExpiry,
		publisher:       pubsub.NewPubSub(),
		logger:          logger,
	}, nil
}

func (m *Mint) Publisher() *pubsub.PubSub {
	return m.publisher
}

func (m *Mint) Close() error {
	m.lightningClient.CancelInvoiceFeed()
	return m.db.Close()
}

func (m *Mint) logInfof(format string, args ...any) {
	m.logger.Info(fmt.Sprintf(format, args...))
}

func (m *Mint) logErrorf(format string, args ...any) {
	m.logger.Error(fmt.Sprintf(format, args...))
}

func (m *Mint) logDebugf(format string, args ...any) {
	m.logger.Debug(fmt.Sprintf(format, args...))
}

// RequestMintQuote requests an invoice from the lightning backend for
// the requested amount and returns a quote to track its settlement.
// NUT-04: https://github.com/cashubtc/nuts/blob/main/04.md
func (m *Mint) RequestMintQuote(ctx context.Context, method string, request nut04.PostMintQuoteBolt11Request) (storage.MintQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	quoteUnit, err := cashu.UnitFromString(request.Unit)
	if err != nil {
		return storage.MintQuote{}, cashu.UnitNotSupportedErr
	}

	expiry := uint64(time.Now().Add(time.Minute * time.Duration(m.quoteExpiryMins)).Unix())
	invoice, err := m.lightningClient.CreateInvoice(ctx, request.Amount, quoteUnit, "mint deposit", expiry)
	if err != nil {
		msg := fmt.Sprintf("error creating invoice: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(msg, cashu.LightningBackendErrCode)
	}

	quoteId, err := randomQuoteId()
	if err != nil {
		return storage.MintQuote{}, cashu.StandardErr
	}

	mintQuote := storage.MintQuote{
		Id:             quoteId,
		Amount:         request.Amount,
		Unit:           request.Unit,
		PaymentRequest: invoice.PaymentRequest,
		PaymentHash:    invoice.LookupId,
		State:          nut04.Unpaid,
		Expiry:         invoice.Expiry,
	}
	if err := m.db.SaveMintQuote(mintQuote); err != nil {
		msg := fmt.Sprintf("error saving mint quote: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(msg, cashu.DBErrCode)
	}
	m.logInfof("created mint quote '%v' for %v %v", quoteId, request.Amount, request.Unit)

	return mintQuote, nil
}

// GetMintQuoteState returns the state of a mint quote, reconciling it
// against the lightning backend if not yet settled.
func (m *Mint) GetMintQuoteState(ctx context.Context, method, quoteId string) (storage.MintQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	mintQuote, err := m.db.GetMintQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return storage.MintQuote{}, cashu.QuoteNotExistErr
		}
		return storage.MintQuote{}, cashu.DBErr
	}

	if mintQuote.State == nut04.Paid || mintQuote.State == nut04.Issued {
		return mintQuote, nil
	}

	state, err := m.lightningClient.InvoiceState(ctx, mintQuote.PaymentHash)
	if err != nil {
		if errors.Is(err, lightning.ErrInvoiceNotFound) {
			return mintQuote, nil
		}
		msg := fmt.Sprintf("error checking invoice state: %v", err)
		return storage.MintQuote{}, cashu.BuildCashuError(msg, cashu.LightningBackendErrCode)
	}

	if state == nut04.Paid && mintQuote.State == nut04.Unpaid {
		m.logInfof("invoice for mint quote '%v' is PAID", mintQuote.Id)
		mintQuote.State = nut04.Paid
		if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Paid); err != nil {
			return storage.MintQuote{}, cashu.DBErr
		}
		if err := m.publisher.PublishJSON(BOLT11_MINT_QUOTE_TOPIC, mintQuote); err != nil {
			m.logErrorf("could not publish mint quote '%v' state update: %v", mintQuote.Id, err)
		}
	}

	return mintQuote, nil
}

// IssueMintQuote marks a paid mint quote as issued, the terminal state
// a quote reaches when the deposit is redeemed. Fails if the invoice
// has not been paid or the quote was already issued.
func (m *Mint) IssueMintQuote(ctx context.Context, method, quoteId string) (storage.MintQuote, error) {
	mintQuote, err := m.GetMintQuoteState(ctx, method, quoteId)
	if err != nil {
		return storage.MintQuote{}, err
	}

	switch mintQuote.State {
	case nut04.Issued:
		return storage.MintQuote{}, cashu.MintQuoteAlreadyIssued
	case nut04.Paid:
	default:
		return storage.MintQuote{}, cashu.MintQuoteRequestNotPaid
	}

	mintQuote.State = nut04.Issued
	if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Issued); err != nil {
		return storage.MintQuote{}, cashu.DBErr
	}
	m.logInfof("mint quote '%v' issued", mintQuote.Id)
	if err := m.publisher.PublishJSON(BOLT11_MINT_QUOTE_TOPIC, mintQuote); err != nil {
		m.logErrorf("could not publish mint quote '%v' state update: %v", mintQuote.Id, err)
	}

	return mintQuote, nil
}

// RequestMeltQuote quotes the cost of paying an invoice: the invoice
// amount plus the fee to reserve.
// NUT-05: https://github.com/cashubtc/nuts/blob/main/05.md
func (m *Mint) RequestMeltQuote(method string, request nut05.PostMeltQuoteBolt11Request) (storage.MeltQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	quoteUnit, err := cashu.UnitFromString(request.Unit)
	if err != nil {
		return storage.MeltQuote{}, cashu.UnitNotSupportedErr
	}

	// only one active quote per invoice
	existing, err := m.db.GetMeltQuoteByPaymentRequest(request.Request)
	if err == nil && existing.State != nut05.Failed {
		return storage.MeltQuote{}, cashu.MeltQuoteForRequestExists
	}

	var partialAmountMsat uint64
	if request.Options != nil && request.Options.Mpp != nil {
		if !m.mppEnabled {
			return storage.MeltQuote{}, cashu.MppNotSupportedErr
		}
		partialAmountMsat = request.Options.Mpp.AmountMsat
	}

	paymentQuote, err := m.lightningClient.PaymentQuote(request)
	if err != nil {
		msg := fmt.Sprintf("melt request error: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(msg, cashu.LightningBackendErrCode)
	}

	quoteId, err := randomQuoteId()
	if err != nil {
		return storage.MeltQuote{}, cashu.StandardErr
	}
	expiry := uint64(time.Now().Add(time.Minute * time.Duration(m.quoteExpiryMins)).Unix())

	// explicit amount for amountless invoices. Amount-bearing invoices
	// carry their own and the backend ignores this.
	amountMsat, err := cashu.ToUnit(paymentQuote.Amount, quoteUnit, cashu.Msat)
	if err != nil {
		return storage.MeltQuote{}, cashu.StandardErr
	}

	meltQuote := storage.MeltQuote{
		Id:                quoteId,
		InvoiceRequest:    request.Request,
		PaymentHash:       paymentQuote.LookupId,
		Amount:            paymentQuote.Amount,
		Unit:              request.Unit,
		FeeReserve:        paymentQuote.Fee,
		State:             nut05.Unpaid,
		Expiry:            expiry,
		AmountMsat:        amountMsat,
		PartialAmountMsat: partialAmountMsat,
	}
	if err := m.db.SaveMeltQuote(meltQuote); err != nil {
		msg := fmt.Sprintf("error saving melt quote: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(msg, cashu.DBErrCode)
	}
	m.logInfof("created melt quote '%v' for %v %v (fee reserve %v)",
		quoteId, meltQuote.Amount, meltQuote.Unit, meltQuote.FeeReserve)

	return meltQuote, nil
}

// GetMeltQuoteState returns the state of a melt quote. Pending quotes
// are reconciled against the backend's view of the payment.
func (m *Mint) GetMeltQuoteState(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		return storage.MeltQuote{}, cashu.DBErr
	}

	if meltQuote.State != nut05.Pending {
		return meltQuote, nil
	}

	payment, err := m.lightningClient.OutgoingPaymentStatus(ctx, meltQuote.PaymentHash)
	if err != nil {
		// leave the quote pending, reconciliation can be retried
		m.logErrorf("could not check status of payment for quote '%v': %v", quoteId, err)
		return meltQuote, nil
	}

	switch payment.State {
	case nut05.Paid:
		m.logInfof("payment for melt quote '%v' succeeded", quoteId)
		meltQuote.State = nut05.Paid
		meltQuote.Preimage = payment.Preimage
		if err := m.db.UpdateMeltQuote(quoteId, payment.Preimage, nut05.Paid); err != nil {
			return storage.MeltQuote{}, cashu.DBErr
		}
		if err := m.publisher.PublishJSON(BOLT11_MELT_QUOTE_TOPIC, meltQuote); err != nil {
			m.logErrorf("could not publish melt quote '%v' state update: %v", meltQuote.Id, err)
		}
	case nut05.Failed:
		m.logInfof("payment for melt quote '%v' failed. Setting quote to unpaid", quoteId)
		meltQuote.State = nut05.Unpaid
		if err := m.db.UpdateMeltQuote(quoteId, "", nut05.Unpaid); err != nil {
			return storage.MeltQuote{}, cashu.DBErr
		}
	}

	return meltQuote, nil
}

// MeltTokens attempts payment of the invoice in the melt quote.
func (m *Mint) MeltTokens(ctx context.Context, method, quoteId string) (storage.MeltQuote, error) {
	if method != cashu.BOLT11_METHOD {
		return storage.MeltQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	meltQuote, err := m.db.GetMeltQuote(quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return storage.MeltQuote{}, cashu.QuoteNotExistErr
		}
		return storage.MeltQuote{}, cashu.DBErr
	}

	switch meltQuote.State {
	case nut05.Pending:
		return storage.MeltQuote{}, cashu.QuotePendingErr
	case nut05.Paid:
		return storage.MeltQuote{}, cashu.MeltQuoteAlreadyPaid
	}
	if meltQuote.Expiry < uint64(time.Now().Unix()) {
		return storage.MeltQuote{}, cashu.BuildCashuError("melt quote has expired", cashu.StandardErrCode)
	}

	quoteUnit, err := cashu.UnitFromString(meltQuote.Unit)
	if err != nil {
		return storage.MeltQuote{}, cashu.UnitNotSupportedErr
	}
	maxFeeMsat, err := cashu.ToUnit(meltQuote.FeeReserve, quoteUnit, cashu.Msat)
	if err != nil {
		return storage.MeltQuote{}, cashu.StandardErr
	}

	// mark pending before handing off to the network. If this process
	// dies mid-payment the quote stays pending and gets reconciled by
	// GetMeltQuoteState.
	if err := m.db.UpdateMeltQuote(quoteId, "", nut05.Pending); err != nil {
		return storage.MeltQuote{}, cashu.DBErr
	}
	meltQuote.State = nut05.Pending

	m.logInfof("attempting payment for melt quote '%v'", quoteId)
	payment, err := m.lightningClient.PayInvoice(ctx, meltQuote, meltQuote.PartialAmountMsat, maxFeeMsat)
	if err != nil {
		switch {
		case errors.Is(err, lightning.ErrInvoiceAlreadyPaid):
			m.setMeltQuoteUnpaid(&meltQuote)
			return storage.MeltQuote{}, cashu.InvoiceAlreadyPaid
		case errors.Is(err, lightning.ErrPaymentPending):
			return meltQuote, nil
		}
		m.logErrorf("error paying invoice for quote '%v': %v", quoteId, err)
		m.setMeltQuoteUnpaid(&meltQuote)
		msg := fmt.Sprintf("error paying invoice: %v", err)
		return storage.MeltQuote{}, cashu.BuildCashuError(msg, cashu.LightningBackendErrCode)
	}

	switch payment.State {
	case nut05.Paid:
		m.logInfof("payment for melt quote '%v' succeeded", quoteId)
		meltQuote.State = nut05.Paid
		meltQuote.Preimage = payment.Preimage
		if err := m.db.UpdateMeltQuote(quoteId, payment.Preimage, nut05.Paid); err != nil {
			return storage.MeltQuote{}, cashu.DBErr
		}
		if err := m.publisher.PublishJSON(BOLT11_MELT_QUOTE_TOPIC, meltQuote); err != nil {
			m.logErrorf("could not publish melt quote '%v' state update: %v", meltQuote.Id, err)
		}
	case nut05.Pending:
		m.logInfof("payment for melt quote '%v' is pending", quoteId)
	default:
		m.setMeltQuoteUnpaid(&meltQuote)
		return storage.MeltQuote{}, cashu.BuildCashuError("payment failed", cashu.LightningBackendErrCode)
	}

	return meltQuote, nil
}

func (m *Mint) setMeltQuoteUnpaid(meltQuote *storage.MeltQuote) {
	meltQuote.State = nut05.Unpaid
	if err := m.db.UpdateMeltQuote(meltQuote.Id, "", nut05.Unpaid); err != nil {
		m.logErrorf("could not mark melt quote '%v' as unpaid: %v", meltQuote.Id, err)
	}
}

// MintQuoteResponse shapes a stored mint quote into its NUT-04 wire
// form for outer transports.
func MintQuoteResponse(quote storage.MintQuote) nut04.PostMintQuoteBolt11Response {
	return nut04.PostMintQuoteBolt11Response{
		Quote:   quote.Id,
		Request: quote.PaymentRequest,
		State:   quote.State.String(),
		Expiry:  quote.Expiry,
	}
}

// MeltQuoteResponse shapes a stored melt quote into its NUT-05 wire
// form for outer transports.
func MeltQuoteResponse(quote storage.MeltQuote) nut05.PostMeltQuoteBolt11Response {
	return nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Amount,
		FeeReserve: quote.FeeReserve,
		State:      quote.State.String(),
		Expiry:     quote.Expiry,
		Preimage:   quote.Preimage,
	}
}

func randomQuoteId() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	hash := sha256.Sum256(randomBytes)
	return hex.EncodeToString(hash[:]), nil
}
