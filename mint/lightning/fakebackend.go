package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/storage"
)

const (
	FakePreimage = "0000000000000000"
)

type fakeInvoice struct {
	paymentRequest string
	preimage       string
	settled        bool
	amountMsat     uint64
	expiry         uint64
}

// FakeBackend is an in-memory settlement backend for tests and for
// running a mint without a Lightning node.
type FakeBackend struct {
	mu               sync.Mutex
	invoices         map[string]*fakeInvoice
	outgoingPayments map[string]Payment
	events           chan string
	nextPaymentState *nut05.State

	// feedCtx is created once and cancelled exactly once by
	// CancelInvoiceFeed; subscriptions derive from it so the cancel
	// is permanent.
	feedCtx    context.Context
	feedCancel context.CancelFunc
	feedActive atomic.Bool
}

func NewFakeBackend() *FakeBackend {
	fb := &FakeBackend{
		invoices:         make(map[string]*fakeInvoice),
		outgoingPayments: make(map[string]Payment),
	}
	fb.feedCtx, fb.feedCancel = context.WithCancel(context.Background())
	return fb
}

func (fb *FakeBackend) Settings() Settings {
	return Settings{
		Mpp:                true,
		Unit:               cashu.Msat,
		InvoiceDescription: true,
	}
}

func (fb *FakeBackend) IsInvoiceFeedActive() bool {
	return fb.feedActive.Load()
}

func (fb *FakeBackend) CancelInvoiceFeed() {
	fb.feedCancel()
}

func (fb *FakeBackend) SubscribePaidInvoices(ctx context.Context) (<-chan string, error) {
	if fb.feedCtx.Err() != nil {
		return nil, ErrFeedCancelled
	}

	subCtx, subCancel := context.WithCancel(fb.feedCtx)
	stop := context.AfterFunc(ctx, subCancel)

	fb.mu.Lock()
	fb.events = make(chan string, 64)
	events := fb.events
	fb.mu.Unlock()

	paidInvoices := make(chan string)
	fb.feedActive.Store(true)

	go func() {
		// the flag clears before the channel closes so a caller that
		// resubscribes on channel close never races a stale goroutine
		defer close(paidInvoices)
		defer stop()
		defer subCancel()
		defer fb.feedActive.Store(false)

		for {
			select {
			case <-subCtx.Done():
				return
			case lookupId := <-events:
				select {
				case paidInvoices <- lookupId:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return paidInvoices, nil
}

// SetInvoicePaid marks an invoice as settled and notifies the active
// feed, mimicking an incoming Lightning payment.
func (fb *FakeBackend) SetInvoicePaid(lookupId string) {
	fb.mu.Lock()
	if invoice, ok := fb.invoices[lookupId]; ok {
		invoice.settled = true
	}
	events := fb.events
	fb.mu.Unlock()

	if events != nil {
		events <- lookupId
	}
}

// SetNextPaymentState overrides the outcome the next PayInvoice
// reports. Without an override payments settle immediately.
func (fb *FakeBackend) SetNextPaymentState(state nut05.State) {
	fb.mu.Lock()
	fb.nextPaymentState = &state
	fb.mu.Unlock()
}

func (fb *FakeBackend) PaymentQuote(request nut05.PostMeltQuoteBolt11Request) (PaymentQuote, error) {
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
		Fee:      0,
		State:    nut05.Unpaid,
	}, nil
}

func (fb *FakeBackend) PayInvoice(
	ctx context.Context,
	meltQuote storage.MeltQuote,
	partialAmountMsat uint64,
	maxFeeMsat uint64,
) (Payment, error) {
	bolt11, err := decodepay.Decodepay(meltQuote.InvoiceRequest)
	if err != nil {
		return Payment{}, fmt.Errorf("invalid invoice: %v", err)
	}

	fb.mu.Lock()
	previous, alreadyAttempted := fb.outgoingPayments[bolt11.PaymentHash]
	fb.mu.Unlock()
	if alreadyAttempted {
		switch previous.State {
		case nut05.Paid:
			return Payment{}, ErrInvoiceAlreadyPaid
		case nut05.Pending:
			return Payment{}, ErrPaymentPending
		}
	}

	amountMsat := uint64(bolt11.MSatoshi)
	if amountMsat == 0 {
		amountMsat = meltQuote.AmountMsat
	}
	if amountMsat == 0 {
		return Payment{}, ErrUnknownInvoiceAmount
	}
	if partialAmountMsat > 0 {
		amountMsat = partialAmountMsat
	}

	state := nut05.Paid
	fb.mu.Lock()
	if fb.nextPaymentState != nil {
		state = *fb.nextPaymentState
		fb.nextPaymentState = nil
	}
	fb.mu.Unlock()

	payment := Payment{
		LookupId: bolt11.PaymentHash,
		State:    state,
		Unit:     cashu.Sat,
	}
	if state == nut05.Paid {
		payment.Preimage = FakePreimage
		payment.TotalSpent = amountMsat / cashu.MsatPerSat
	}

	fb.mu.Lock()
	fb.outgoingPayments[bolt11.PaymentHash] = payment
	fb.mu.Unlock()

	return payment, nil
}

func (fb *FakeBackend) CreateInvoice(
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

	paymentRequest, preimage, paymentHash, err := CreateFakeInvoice(amountMsat, description)
	if err != nil {
		return CreateInvoiceResult{}, err
	}

	fb.mu.Lock()
	fb.invoices[paymentHash] = &fakeInvoice{
		paymentRequest: paymentRequest,
		preimage:       preimage,
		amountMsat:     amountMsat,
		expiry:         unixExpiry,
	}
	fb.mu.Unlock()

	return CreateInvoiceResult{
		LookupId:       paymentHash,
		PaymentRequest: paymentRequest,
		Expiry:         unixExpiry,
	}, nil
}

func (fb *FakeBackend) InvoiceState(ctx context.Context, lookupId string) (nut04.State, error) {
	fb.mu.Lock()
	invoice, ok := fb.invoices[lookupId]
	fb.mu.Unlock()
	if !ok {
		return nut04.Unknown, ErrInvoiceNotFound
	}

	if invoice.settled {
		return nut04.Paid, nil
	}
	return nut04.Unpaid, nil
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, lookupId string) (Payment, error) {
	fb.mu.Lock()
	payment, ok := fb.outgoingPayments[lookupId]
	fb.mu.Unlock()
	if !ok {
		return Payment{
			LookupId: lookupId,
			State:    nut05.Unknown,
			Unit:     fb.Settings().Unit,
		}, nil
	}

	return payment, nil
}

// CreateFakeInvoice encodes a signed bolt11 invoice for the given
// amount with a random preimage. An amountMsat of zero encodes an
// amountless invoice.
func CreateFakeInvoice(amountMsat uint64, description string) (string, string, string, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	options := []func(*zpay32.Invoice){
		zpay32.Description(description),
	}
	if amountMsat > 0 {
		options = append(options, zpay32.Amount(lnwire.MilliSatoshi(amountMsat)))
	}

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		options...,
	)
	if err != nil {
		return "", "", "", err
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
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
