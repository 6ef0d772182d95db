package mint

import (
	"context"
	"errors"
	"time"

	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/mint/lightning"
	"github.com/nutjar/nutjar/mint/storage"
)

const maxFeedBackoff = time.Minute

// StartInvoiceFeed consumes the backend's paid-invoice feed and marks
// mint quotes as paid when their invoices settle. If the feed drops it
// resubscribes with backoff. Returns when ctx is cancelled or the feed
// is cancelled on the backend. Should be called in its own goroutine.
func (m *Mint) StartInvoiceFeed(ctx context.Context) {
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		invoicePaidChan, err := m.lightningClient.SubscribePaidInvoices(ctx)
		if err != nil {
			if errors.Is(err, lightning.ErrFeedCancelled) {
				m.logInfof("paid invoice feed cancelled")
				return
			}
			m.logErrorf("could not subscribe to paid invoices: %v. Retrying in %v", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxFeedBackoff)
			continue
		}
		backoff = time.Second
		m.logInfof("subscribed to paid invoices from lightning backend")

		for paymentHash := range invoicePaidChan {
			m.markMintQuotePaid(paymentHash)
		}

		if ctx.Err() != nil {
			return
		}
		m.logErrorf("paid invoice feed ended. Resubscribing")
	}
}

func (m *Mint) markMintQuotePaid(paymentHash string) {
	mintQuote, err := m.db.GetMintQuoteByPaymentHash(paymentHash)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			// settled invoice that was not issued through a mint quote
			m.logDebugf("no mint quote for settled invoice with payment hash '%v'", paymentHash)
			return
		}
		m.logErrorf("could not get mint quote by payment hash '%v': %v", paymentHash, err)
		return
	}

	if mintQuote.State != nut04.Unpaid {
		return
	}

	m.logInfof("invoice for mint quote '%v' is PAID", mintQuote.Id)
	mintQuote.State = nut04.Paid
	if err := m.db.UpdateMintQuoteState(mintQuote.Id, nut04.Paid); err != nil {
		m.logErrorf("could not mark mint quote '%v' as PAID in db: %v", mintQuote.Id, err)
		return
	}

	if err := m.publisher.PublishJSON(BOLT11_MINT_QUOTE_TOPIC, mintQuote); err != nil {
		m.logErrorf("could not publish mint quote '%v' state update: %v", mintQuote.Id, err)
	}
}
