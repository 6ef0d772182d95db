// Package nut04 has the types and states for mint (deposit) quotes.
// See https://github.com/cashubtc/nuts/blob/main/04.md.
package nut04

type State int

const (
	Unpaid State = iota
	Paid
	Pending
	Issued
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Pending:
		return "PENDING"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "PENDING":
		return Pending
	case "ISSUED":
		return Issued
	}
	return Unknown
}

type PostMintQuoteBolt11Request struct {
	Amount uint64 `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   string `json:"state"`
	Expiry  uint64 `json:"expiry"`
}
