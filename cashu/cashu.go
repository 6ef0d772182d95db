// Package cashu contains the shared vocabulary of the mint's
// settlement layer: currency units, exact unit conversion and
// the protocol-facing error type.
package cashu

import (
	"encoding/json"
	"errors"
)

const (
	BOLT11_METHOD = "bolt11"

	// msats in a sat
	MsatPerSat = 1000
)

var (
	ErrInvalidUnit        = errors.New("invalid unit")
	ErrCannotConvertUnits = errors.New("cannot convert between units")
)

type Unit int

const (
	Sat Unit = iota
	Msat
)

func (unit Unit) String() string {
	switch unit {
	case Sat:
		return "sat"
	case Msat:
		return "msat"
	default:
		return "unknown"
	}
}

func UnitFromString(s string) (Unit, error) {
	switch s {
	case "sat":
		return Sat, nil
	case "msat":
		return Msat, nil
	default:
		return 0, ErrInvalidUnit
	}
}

// ToUnit converts amount from one unit to another. Conversions are
// exact integer conversions: sat to msat multiplies by 1000 and
// msat to sat divides by 1000 truncating toward zero. Unit pairs
// without an exact conversion return ErrCannotConvertUnits.
func ToUnit(amount uint64, from, to Unit) (uint64, error) {
	switch {
	case from == to:
		return amount, nil
	case from == Sat && to == Msat:
		return amount * MsatPerSat, nil
	case from == Msat && to == Sat:
		return amount / MsatPerSat, nil
	default:
		return 0, ErrCannotConvertUnits
	}
}

type ErrCode int

const (
	StandardErrCode ErrCode = 10000

	DBErrCode               ErrCode = 1
	LightningBackendErrCode ErrCode = 2

	UnitErrCode          ErrCode = 11005
	PaymentMethodErrCode ErrCode = 11007

	InvoiceErrCode                 ErrCode = 20001
	MintQuoteRequestNotPaidErrCode ErrCode = 20002
	MintQuoteAlreadyIssuedErrCode  ErrCode = 20003
	MeltQuotePendingErrCode        ErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    ErrCode = 20006
	MeltQuoteErrCode               ErrCode = 20009
)

// Error is the error format the mint reports to callers.
type Error struct {
	Detail string  `json:"detail"`
	Code   ErrCode `json:"code"`
}

func BuildCashuError(detail string, code ErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(alias(*e))
}

var (
	StandardErr                  = Error{Detail: "unable to process request", Code: StandardErrCode}
	PaymentMethodNotSupportedErr = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr          = Error{Detail: "unit not supported", Code: UnitErrCode}
	QuoteNotExistErr             = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	QuotePendingErr              = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid         = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	MeltQuoteForRequestExists    = Error{Detail: "melt quote for payment request already exists", Code: MeltQuoteErrCode}
	MintQuoteRequestNotPaid      = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued       = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	MppNotSupportedErr           = Error{Detail: "backend does not support multi-path payments", Code: PaymentMethodErrCode}
	InvoiceAlreadyPaid           = Error{Detail: "invoice already paid", Code: InvoiceErrCode}
	DBErr                        = Error{Detail: "unable to process request", Code: DBErrCode}
)
