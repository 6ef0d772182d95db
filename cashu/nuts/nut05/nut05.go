// Package nut05 has the types and states for melt (withdrawal) quotes.
// See https://github.com/cashubtc/nuts/blob/main/05.md.
package nut05

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Failed
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	case "FAILED":
		return Failed
	}
	return Unknown
}

type PostMeltQuoteBolt11Request struct {
	Request string       `json:"request"`
	Unit    string       `json:"unit"`
	Options *MeltOptions `json:"options,omitempty"`
}

// MeltOptions carries the optional multi-path amount from NUT-15.
// When set, the mint is asked to settle only part of the invoice
// and the rest is expected to be paid through other routes.
type MeltOptions struct {
	Mpp *MppOption `json:"mpp,omitempty"`
}

type MppOption struct {
	AmountMsat uint64 `json:"amount"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string `json:"quote"`
	Amount     uint64 `json:"amount"`
	FeeReserve uint64 `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     uint64 `json:"expiry"`
	Preimage   string `json:"payment_preimage,omitempty"`
}
