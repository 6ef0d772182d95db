package mint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/lightning"
)

func testMint(t *testing.T, fakeBackend *lightning.FakeBackend) *Mint {
	t.Helper()

	m, err := LoadMint(Config{
		DBPath:          t.TempDir(),
		DBBackend:       "bolt",
		LightningClient: fakeBackend,
		EnableMPP:       true,
	})
	if err != nil {
		t.Fatalf("error setting up mint: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	return m
}

func TestMintQuoteLifecycle(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend)
	ctx := context.Background()

	mintQuote, err := m.RequestMintQuote(ctx, cashu.BOLT11_METHOD, nut04.PostMintQuoteBolt11Request{
		Amount: 21,
		Unit:   "sat",
	})
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}
	if mintQuote.State != nut04.Unpaid {
		t.Fatalf("expected state '%v' but got '%v'", nut04.Unpaid, mintQuote.State)
	}
	if mintQuote.PaymentRequest == "" {
		t.Fatal("expected a payment request but got empty string")
	}

	quote, err := m.GetMintQuoteState(ctx, cashu.BOLT11_METHOD, mintQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote state: %v", err)
	}
	if quote.State != nut04.Unpaid {
		t.Fatalf("expected state '%v' but got '%v'", nut04.Unpaid, quote.State)
	}

	// issuing before the invoice settles gets rejected
	if _, err := m.IssueMintQuote(ctx, cashu.BOLT11_METHOD, mintQuote.Id); !errors.Is(err, cashu.MintQuoteRequestNotPaid) {
		t.Fatalf("expected quote not paid error but got: %v", err)
	}

	// settle the invoice and check the quote transitions to paid
	fakeBackend.SetInvoicePaid(mintQuote.PaymentHash)
	quote, err = m.GetMintQuoteState(ctx, cashu.BOLT11_METHOD, mintQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote state: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut04.Paid, quote.State)
	}

	response := MintQuoteResponse(quote)
	if response.Quote != quote.Id {
		t.Fatalf("expected quote id '%v' in response but got '%v'", quote.Id, response.Quote)
	}
	if response.State != "PAID" {
		t.Fatalf("expected state 'PAID' in response but got '%v'", response.State)
	}

	issued, err := m.IssueMintQuote(ctx, cashu.BOLT11_METHOD, mintQuote.Id)
	if err != nil {
		t.Fatalf("error issuing mint quote: %v", err)
	}
	if issued.State != nut04.Issued {
		t.Fatalf("expected state '%v' but got '%v'", nut04.Issued, issued.State)
	}
	if _, err := m.IssueMintQuote(ctx, cashu.BOLT11_METHOD, mintQuote.Id); !errors.Is(err, cashu.MintQuoteAlreadyIssued) {
		t.Fatalf("expected already issued error but got: %v", err)
	}

	if _, err := m.GetMintQuoteState(ctx, cashu.BOLT11_METHOD, "nonexistent"); !errors.Is(err, cashu.QuoteNotExistErr) {
		t.Fatalf("expected quote not exist error but got: %v", err)
	}

	if _, err := m.RequestMintQuote(ctx, cashu.BOLT11_METHOD, nut04.PostMintQuoteBolt11Request{
		Amount: 21,
		Unit:   "usd",
	}); !errors.Is(err, cashu.UnitNotSupportedErr) {
		t.Fatalf("expected unit not supported error but got: %v", err)
	}

	if _, err := m.RequestMintQuote(ctx, "bolt12", nut04.PostMintQuoteBolt11Request{
		Amount: 21,
		Unit:   "sat",
	}); !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected method not supported error but got: %v", err)
	}
	if _, err := m.GetMintQuoteState(ctx, "bolt12", mintQuote.Id); !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected method not supported error but got: %v", err)
	}
}

func TestInvoiceFeed(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.StartInvoiceFeed(ctx)

	for i := 0; i < 100 && !fakeBackend.IsInvoiceFeedActive(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if !fakeBackend.IsInvoiceFeedActive() {
		t.Fatal("invoice feed did not become active")
	}

	subscriber := m.Publisher().Subscribe(BOLT11_MINT_QUOTE_TOPIC)
	defer m.Publisher().Unsubscribe(subscriber, BOLT11_MINT_QUOTE_TOPIC)

	mintQuote, err := m.RequestMintQuote(context.Background(), cashu.BOLT11_METHOD, nut04.PostMintQuoteBolt11Request{
		Amount: 21,
		Unit:   "sat",
	})
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	fakeBackend.SetInvoicePaid(mintQuote.PaymentHash)

	select {
	case <-subscriber.GetMessages():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for quote update from feed")
	}

	quote, err := m.GetMintQuoteState(context.Background(), cashu.BOLT11_METHOD, mintQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote state: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut04.Paid, quote.State)
	}

	// cancellation tears the feed down
	fakeBackend.CancelInvoiceFeed()
	for i := 0; i < 100 && fakeBackend.IsInvoiceFeedActive(); i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if fakeBackend.IsInvoiceFeedActive() {
		t.Fatal("expected invoice feed to be inactive after cancellation")
	}

	// and it stays down: the cancel is permanent, so the consumer must
	// not bring the feed back by resubscribing
	time.Sleep(100 * time.Millisecond)
	if fakeBackend.IsInvoiceFeedActive() {
		t.Fatal("expected invoice feed to stay inactive after cancellation")
	}
}

func TestMeltQuoteLifecycle(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend)
	ctx := context.Background()

	paymentRequest, _, _, err := lightning.CreateFakeInvoice(100000, "melt test")
	if err != nil {
		t.Fatalf("error creating fake invoice: %v", err)
	}

	meltQuote, err := m.RequestMeltQuote(cashu.BOLT11_METHOD, nut05.PostMeltQuoteBolt11Request{
		Request: paymentRequest,
		Unit:    "sat",
	})
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}
	if meltQuote.State != nut05.Unpaid {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Unpaid, meltQuote.State)
	}
	if meltQuote.Amount != 100 {
		t.Fatalf("expected amount of 100 but got %v", meltQuote.Amount)
	}

	// only one active quote per invoice
	_, err = m.RequestMeltQuote(cashu.BOLT11_METHOD, nut05.PostMeltQuoteBolt11Request{
		Request: paymentRequest,
		Unit:    "sat",
	})
	if !errors.Is(err, cashu.MeltQuoteForRequestExists) {
		t.Fatalf("expected melt quote exists error but got: %v", err)
	}

	if _, err := m.RequestMeltQuote("bolt12", nut05.PostMeltQuoteBolt11Request{
		Request: paymentRequest,
		Unit:    "sat",
	}); !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected method not supported error but got: %v", err)
	}
	if _, err := m.MeltTokens(ctx, "bolt12", meltQuote.Id); !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected method not supported error but got: %v", err)
	}

	melted, err := m.MeltTokens(ctx, cashu.BOLT11_METHOD, meltQuote.Id)
	if err != nil {
		t.Fatalf("error melting tokens: %v", err)
	}
	if melted.State != nut05.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Paid, melted.State)
	}
	if melted.Preimage != lightning.FakePreimage {
		t.Fatalf("expected preimage '%v' but got '%v'", lightning.FakePreimage, melted.Preimage)
	}

	response := MeltQuoteResponse(melted)
	if response.Quote != melted.Id {
		t.Fatalf("expected quote id '%v' in response but got '%v'", melted.Id, response.Quote)
	}
	if response.State != "PAID" {
		t.Fatalf("expected state 'PAID' in response but got '%v'", response.State)
	}
	if response.Preimage != lightning.FakePreimage {
		t.Fatalf("expected preimage '%v' in response but got '%v'", lightning.FakePreimage, response.Preimage)
	}

	// melting an already paid quote gets rejected
	if _, err := m.MeltTokens(ctx, cashu.BOLT11_METHOD, meltQuote.Id); !errors.Is(err, cashu.MeltQuoteAlreadyPaid) {
		t.Fatalf("expected already paid error but got: %v", err)
	}

	quote, err := m.GetMeltQuoteState(ctx, cashu.BOLT11_METHOD, meltQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote state: %v", err)
	}
	if quote.State != nut05.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Paid, quote.State)
	}

	if _, err := m.GetMeltQuoteState(ctx, cashu.BOLT11_METHOD, "nonexistent"); !errors.Is(err, cashu.QuoteNotExistErr) {
		t.Fatalf("expected quote not exist error but got: %v", err)
	}
}

func TestMeltQuotePending(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	m := testMint(t, fakeBackend)
	ctx := context.Background()

	paymentRequest, _, _, err := lightning.CreateFakeInvoice(100000, "pending melt")
	if err != nil {
		t.Fatalf("error creating fake invoice: %v", err)
	}

	meltQuote, err := m.RequestMeltQuote(cashu.BOLT11_METHOD, nut05.PostMeltQuoteBolt11Request{
		Request: paymentRequest,
		Unit:    "sat",
	})
	if err != nil {
		t.Fatalf("error requesting melt quote: %v", err)
	}

	fakeBackend.SetNextPaymentState(nut05.Pending)
	melted, err := m.MeltTokens(ctx, cashu.BOLT11_METHOD, meltQuote.Id)
	if err != nil {
		t.Fatalf("error melting tokens: %v", err)
	}
	if melted.State != nut05.Pending {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Pending, melted.State)
	}

	// a pending quote cannot be melted again
	if _, err := m.MeltTokens(ctx, cashu.BOLT11_METHOD, meltQuote.Id); !errors.Is(err, cashu.QuotePendingErr) {
		t.Fatalf("expected quote pending error but got: %v", err)
	}

	// reconciliation keeps it pending while the backend still reports
	// the payment in flight
	quote, err := m.GetMeltQuoteState(ctx, cashu.BOLT11_METHOD, meltQuote.Id)
	if err != nil {
		t.Fatalf("error getting melt quote state: %v", err)
	}
	if quote.State != nut05.Pending {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Pending, quote.State)
	}
}

func TestMeltQuoteMpp(t *testing.T) {
	fakeBackend := lightning.NewFakeBackend()
	ctx := context.Background()

	paymentRequest, _, _, err := lightning.CreateFakeInvoice(100000, "mpp melt")
	if err != nil {
		t.Fatalf("error creating fake invoice: %v", err)
	}
	mppRequest := nut05.PostMeltQuoteBolt11Request{
		Request: paymentRequest,
		Unit:    "sat",
		Options: &nut05.MeltOptions{
			Mpp: &nut05.MppOption{AmountMsat: 50000},
		},
	}

	m := testMint(t, fakeBackend)
	meltQuote, err := m.RequestMeltQuote(cashu.BOLT11_METHOD, mppRequest)
	if err != nil {
		t.Fatalf("error requesting mpp melt quote: %v", err)
	}
	if meltQuote.Amount != 50 {
		t.Fatalf("expected amount of 50 but got %v", meltQuote.Amount)
	}
	if meltQuote.PartialAmountMsat != 50000 {
		t.Fatalf("expected partial amount of 50000 msat but got %v", meltQuote.PartialAmountMsat)
	}

	melted, err := m.MeltTokens(ctx, cashu.BOLT11_METHOD, meltQuote.Id)
	if err != nil {
		t.Fatalf("error melting tokens: %v", err)
	}
	if melted.State != nut05.Paid {
		t.Fatalf("expected state '%v' but got '%v'", nut05.Paid, melted.State)
	}

	// mpp requests get rejected when not enabled
	mppDisabled, err := LoadMint(Config{
		DBPath:          t.TempDir(),
		DBBackend:       "bolt",
		LightningClient: lightning.NewFakeBackend(),
	})
	if err != nil {
		t.Fatalf("error setting up mint: %v", err)
	}
	defer mppDisabled.Close()

	if _, err := mppDisabled.RequestMeltQuote(cashu.BOLT11_METHOD, mppRequest); !errors.Is(err, cashu.MppNotSupportedErr) {
		t.Fatalf("expected mpp not supported error but got: %v", err)
	}
}
