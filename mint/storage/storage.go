package storage

import (
	"errors"

	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
)

// ErrQuoteNotFound is returned by implementations when a quote id
// or payment hash does not exist in the store.
var ErrQuoteNotFound = errors.New("quote not found")

// MintDB is the narrow persistence contract the settlement core
// needs: saving quotes and tracking their state transitions.
type MintDB interface {
	SaveMintQuote(MintQuote) error
	GetMintQuote(quoteId string) (MintQuote, error)
	GetMintQuoteByPaymentHash(paymentHash string) (MintQuote, error)
	UpdateMintQuoteState(quoteId string, state nut04.State) error

	SaveMeltQuote(MeltQuote) error
	GetMeltQuote(quoteId string) (MeltQuote, error)
	GetMeltQuoteByPaymentRequest(request string) (MeltQuote, error)
	UpdateMeltQuote(quoteId string, preimage string, state nut05.State) error

	Close() error
}

type MintQuote struct {
	Id             string
	Amount         uint64
	Unit           string
	PaymentRequest string
	PaymentHash    string
	State          nut04.State
	Expiry         uint64
}

type MeltQuote struct {
	Id             string
	InvoiceRequest string
	PaymentHash    string
	Amount         uint64
	Unit           string
	FeeReserve     uint64
	State          nut05.State
	Expiry         uint64
	Preimage       string

	// explicit amount to pay in msat for amountless invoices
	AmountMsat uint64

	// partial amount in msat when the quote was requested with the
	// NUT-15 mpp option. Zero means the full invoice amount.
	PartialAmountMsat uint64
}
