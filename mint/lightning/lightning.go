// Package lightning has the settlement backend contract of the mint
// and its Lightning node implementations. A backend turns melt quotes
// into outgoing Lightning payments and incoming Lightning payments
// into paid mint quotes.
package lightning

import (
	"context"
	"errors"
	"math"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/storage"
)

var (
	// ErrConnection means the node could not be reached or authenticated
	// to. It is fatal to the specific call and never retried internally.
	ErrConnection = errors.New("could not connect to lightning node")

	// duplicate guard rejections from PayInvoice. Expected conditions
	// the caller recovers from, not bugs.
	ErrInvoiceAlreadyPaid = errors.New("invoice already paid")
	ErrPaymentPending     = errors.New("payment is pending")

	// ErrFeedCancelled means the paid-invoice feed was explicitly
	// cancelled. Cancellation is permanent for the backend instance,
	// so any later subscription fails with this error.
	ErrFeedCancelled = errors.New("invoice feed cancelled")

	// ErrUnknownInvoiceAmount means the invoice carries no amount and
	// the melt quote does not specify one either.
	ErrUnknownInvoiceAmount = errors.New("unknown invoice amount")

	// ErrRoutingFailure means no viable route was found for a
	// multi-path payment.
	ErrRoutingFailure = errors.New("no route found")

	// ErrMissingLastHop means a candidate route had no hops to attach
	// multi-path metadata to. Malformed route, not retried.
	ErrMissingLastHop = errors.New("route has no last hop")

	// ErrUndeterminedPaymentStatus means the tracking stream ended
	// without a terminal update. Distinct from a clean Unknown state:
	// the node could not even be asked. Retry reconciliation later.
	ErrUndeterminedPaymentStatus = errors.New("could not determine payment status")

	ErrInvalidHash     = errors.New("invalid payment hash")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// Client is the capability contract any Lightning settlement backend
// must implement. The mint core works only against this interface;
// new node integrations are added by implementing it.
type Client interface {
	// Settings advertises the backend capabilities. Pure and synchronous.
	Settings() Settings

	// IsInvoiceFeedActive reports whether a paid-invoice feed is
	// currently listening.
	IsInvoiceFeedActive() bool

	// CancelInvoiceFeed permanently cancels the feed. Idempotent and
	// non-blocking; the active feed tears itself down at its next
	// check and later subscriptions fail with ErrFeedCancelled.
	CancelInvoiceFeed()

	// SubscribePaidInvoices opens a live feed of lookup ids for
	// invoices as they settle. Each call creates an independent
	// subscription; a feed that ends (cancellation, stream end or
	// stream error) closes the channel and cannot be restarted, the
	// caller must subscribe again. After CancelInvoiceFeed it fails
	// with ErrFeedCancelled.
	SubscribePaidInvoices(ctx context.Context) (<-chan string, error)

	// PaymentQuote computes the fee to reserve for a melt request.
	// Pure computation over the fee reserve policy, safe to call any
	// number of times.
	PaymentQuote(request nut05.PostMeltQuoteBolt11Request) (PaymentQuote, error)

	// PayInvoice attempts payment of the melt quote's invoice.
	// A non-zero partialAmountMsat pays only that part of the invoice
	// through multi-path routing. A non-zero maxFeeMsat is passed to
	// the node as a hard fee ceiling; a ceiling rejection is a normal
	// failed outcome, never retried with a higher ceiling.
	PayInvoice(
		ctx context.Context,
		meltQuote storage.MeltQuote,
		partialAmountMsat uint64,
		maxFeeMsat uint64,
	) (Payment, error)

	// CreateInvoice requests an invoice from the node for the given
	// amount. unixExpiry must be strictly in the future.
	CreateInvoice(
		ctx context.Context,
		amount uint64,
		unit cashu.Unit,
		description string,
		unixExpiry uint64,
	) (CreateInvoiceResult, error)

	// InvoiceState returns the settlement state of an incoming invoice
	// previously created through CreateInvoice.
	InvoiceState(ctx context.Context, lookupId string) (nut04.State, error)

	// OutgoingPaymentStatus reconciles the state of an outgoing payment
	// by lookup id. Safe to call for payments this process never
	// initiated. A payment unknown to the node is reported as a clean
	// Unknown state, not an error.
	OutgoingPaymentStatus(ctx context.Context, lookupId string) (Payment, error)
}

// Settings advertises what a backend supports and the unit it
// settles in.
type Settings struct {
	Mpp                bool
	Unit               cashu.Unit
	InvoiceDescription bool
}

// FeeReserve is the mint's policy for how much fee to escrow before
// attempting payment. Immutable after backend construction.
type FeeReserve struct {
	// fraction of the payment amount, e.g. 0.01 for 1%
	PercentFee float64
	// absolute minimum in the quote unit
	MinFee uint64
}

// Fee returns max(amount * PercentFee, MinFee).
func (fr FeeReserve) Fee(amount uint64) uint64 {
	relative := uint64(math.Ceil(fr.PercentFee * float64(amount)))
	if relative > fr.MinFee {
		return relative
	}
	return fr.MinFee
}

// PaymentQuote is the estimated cost of settling a melt request.
// Amount and fee are expressed in the requested unit.
type PaymentQuote struct {
	LookupId string
	Amount   uint64
	Fee      uint64
	State    nut05.State
}

// CreateInvoiceResult is the result of invoice issuance. LookupId is
// derived from the invoice payment hash so any later status query can
// recompute it independently of what the node returned.
type CreateInvoiceResult struct {
	LookupId       string
	PaymentRequest string
	Expiry         uint64
}

// Payment is the result or observation of an outgoing payment
// attempt. Preimage is set exactly when State is Paid; TotalSpent is
// zero for any other state.
type Payment struct {
	LookupId   string
	Preimage   string
	State      nut05.State
	TotalSpent uint64
	Unit       cashu.Unit
}
