package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"

	"github.com/nutjar/nutjar/cashu"
	"github.com/nutjar/nutjar/cashu/nuts/nut04"
	"github.com/nutjar/nutjar/cashu/nuts/nut05"
	"github.com/nutjar/nutjar/mint/storage"
)

type LndConfig struct {
	GRPCHost     string
	CertPath     string
	MacaroonPath string
}

// subset of lnrpc.LightningClient used by the backend
type lndLightningClient interface {
	AddInvoice(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error)
	LookupInvoice(ctx context.Context, in *lnrpc.PaymentHash, opts ...grpc.CallOption) (*lnrpc.Invoice, error)
	DecodePayReq(ctx context.Context, in *lnrpc.PayReqString, opts ...grpc.CallOption) (*lnrpc.PayReq, error)
	QueryRoutes(ctx context.Context, in *lnrpc.QueryRoutesRequest, opts ...grpc.CallOption) (*lnrpc.QueryRoutesResponse, error)
	SendPaymentSync(ctx context.Context, in *lnrpc.SendRequest, opts ...grpc.CallOption) (*lnrpc.SendResponse, error)
}

// subset of routerrpc.RouterClient used by the backend
type lndRouterClient interface {
	SendToRouteV2(ctx context.Context, in *routerrpc.SendToRouteRequest, opts ...grpc.CallOption) (*lnrpc.HTLCAttempt, error)
	TrackPaymentV2(ctx context.Context, in *routerrpc.TrackPaymentRequest, opts ...grpc.CallOption) (routerrpc.Router_TrackPaymentV2Client, error)
}

// LndClient is the settlement backend over LND's gRPC interface.
// It holds one shared connection for short RPC calls; the paid-invoice
// feed gets its own connection so the long-lived stream never contends
// with them.
type LndClient struct {
	config     LndConfig
	feeReserve FeeReserve

	// mu serializes individual RPC calls on the shared connection.
	// It is scoped to a single call, never to a whole operation.
	mu           sync.Mutex
	conn         *grpc.ClientConn
	lnClient     lndLightningClient
	routerClient lndRouterClient

	// feedCtx is created once and cancelled exactly once by
	// CancelInvoiceFeed. Every subscription derives from it, so a
	// cancel is permanent: the active feed stops and any later
	// subscription fails immediately.
	feedCtx    context.Context
	feedCancel context.CancelFunc
	feedActive atomic.Bool
}

func SetupLndClient(config LndConfig, feeReserve FeeReserve) (*LndClient, error) {
	lnd := &LndClient{config: config, feeReserve: feeReserve}
	lnd.feedCtx, lnd.feedCancel = context.WithCancel(context.Background())

	conn, err := lnd.connect()
	if err != nil {
		return nil, err
	}
	lnd.conn = conn
	lnd.lnClient = lnrpc.NewLightningClient(conn)
	lnd.routerClient = routerrpc.NewRouterClient(conn)

	return lnd, nil
}

func (lnd *LndClient) connect() (*grpc.ClientConn, error) {
	creds, err := credentials.NewClientTLSFromFile(lnd.config.CertPath, "")
	if err != nil {
		return nil, fmt.Errorf("%w: error reading tls cert: %v", ErrConnection, err)
	}

	macBytes, err := os.ReadFile(lnd.config.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading macaroon: %v", ErrConnection, err)
	}
	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("%w: invalid macaroon: %v", ErrConnection, err)
	}
	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	conn, err := grpc.NewClient(
		lnd.config.GRPCHost,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return conn, nil
}

func (lnd *LndClient) Close() error {
	lnd.CancelInvoiceFeed()
	return lnd.conn.Close()
}

func (lnd *LndClient) Settings() Settings {
	return Settings{
		Mpp:                true,
		Unit:               cashu.Msat,
		InvoiceDescription: true,
	}
}

func (lnd *LndClient) IsInvoiceFeedActive() bool {
	return lnd.feedActive.Load()
}

func (lnd *LndClient) CancelInvoiceFeed() {
	lnd.feedCancel()
}

// SubscribePaidInvoices opens a dedicated connection and streams
// settled invoices from it. Only the terminal SETTLED state is
// surfaced; open, canceled and accepted events are filtered out.
// Cancellation is checked before every message so a cancel always
// wins over an in-flight event.
func (lnd *LndClient) SubscribePaidInvoices(ctx context.Context) (<-chan string, error) {
	if lnd.feedCtx.Err() != nil {
		return nil, ErrFeedCancelled
	}

	conn, err := lnd.connect()
	if err != nil {
		return nil, err
	}

	subCtx, subCancel := context.WithCancel(lnd.feedCtx)
	stop := context.AfterFunc(ctx, subCancel)

	client := lnrpc.NewLightningClient(conn)
	stream, err := client.SubscribeInvoices(subCtx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		stop()
		subCancel()
		conn.Close()
		return nil, fmt.Errorf("%w: could not subscribe to invoices: %v", ErrConnection, err)
	}

	paidInvoices := make(chan string)
	lnd.feedActive.Store(true)

	go func() {
		// the flag clears before the channel closes so a caller that
		// resubscribes on channel close never races a stale goroutine
		defer close(paidInvoices)
		defer conn.Close()
		defer stop()
		defer subCancel()
		defer lnd.feedActive.Store(false)

		for {
			select {
			case <-subCtx.Done():
				return
			default:
			}

			invoice, err := stream.Recv()
			if err != nil {
				// cancellation, stream end or stream error all
				// terminate the feed. The caller resubscribes.
				return
			}

			if invoice.State == lnrpc.Invoice_SETTLED {
				select {
				case paidInvoices <- hex.EncodeToString(invoice.RHash):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return paidInvoices, nil
}

func (lnd *LndClient) PaymentQuote(request nut05.PostMeltQuoteBolt11Request) (PaymentQuote, error) {
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
		Fee:      lnd.feeReserve.Fee(amount),
		State:    nut05.Unpaid,
	}, nil
}

func (lnd *LndClient) PayInvoice(
	ctx context.Context,
	meltQuote storage.MeltQuote,
	partialAmountMsat uint64,
	maxFeeMsat uint64,
) (Payment, error) {
	bolt11, err := decodepay.Decodepay(meltQuote.InvoiceRequest)
	if err != nil {
		return Payment{}, fmt.Errorf("invalid invoice: %v", err)
	}

	// check for a duplicate or conflicting payment before moving
	// any funds
	payState, err := lnd.OutgoingPaymentStatus(ctx, bolt11.PaymentHash)
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

	if partialAmountMsat > 0 {
		return lnd.payPartialAmount(ctx, meltQuote.InvoiceRequest, bolt11, amountMsat, partialAmountMsat, maxFeeMsat)
	}

	sendRequest := &lnrpc.SendRequest{
		PaymentRequest: meltQuote.InvoiceRequest,
		FeeLimit:       feeLimit(maxFeeMsat),
	}
	// lnd rejects an explicit amount on invoices that already carry one
	if bolt11.MSatoshi == 0 {
		sendRequest.AmtMsat = int64(amountMsat)
	}

	lnd.mu.Lock()
	sendResponse, err := lnd.lnClient.SendPaymentSync(ctx, sendRequest)
	lnd.mu.Unlock()
	if err != nil {
		return Payment{}, fmt.Errorf("error sending payment: %v", err)
	}

	var totalSpent uint64
	if sendResponse.PaymentRoute != nil {
		totalSpent = uint64(sendResponse.PaymentRoute.TotalAmtMsat) / cashu.MsatPerSat
	}

	payment := Payment{
		LookupId: bolt11.PaymentHash,
		State:    nut05.Unpaid,
		Unit:     cashu.Sat,
	}
	if totalSpent > 0 {
		payment.State = nut05.Paid
		payment.Preimage = hex.EncodeToString(sendResponse.PaymentPreimage)
		payment.TotalSpent = totalSpent
	}

	return payment, nil
}

// payPartialAmount settles part of an invoice through multi-path
// routing: it queries candidate routes for the partial amount, attaches
// the invoice's payment address and the full invoice amount to each
// route's final hop, and attempts routes in order until one resolves.
func (lnd *LndClient) payPartialAmount(
	ctx context.Context,
	request string,
	bolt11 decodepay.Bolt11,
	amountMsat uint64,
	partialAmountMsat uint64,
	maxFeeMsat uint64,
) (Payment, error) {
	paymentHash, err := hex.DecodeString(bolt11.PaymentHash)
	if err != nil {
		return Payment{}, ErrInvalidHash
	}

	lnd.mu.Lock()
	payReq, err := lnd.lnClient.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: request})
	lnd.mu.Unlock()
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	lnd.mu.Lock()
	routesResponse, err := lnd.lnClient.QueryRoutes(ctx, &lnrpc.QueryRoutesRequest{
		PubKey:   payReq.Destination,
		AmtMsat:  int64(partialAmountMsat),
		FeeLimit: feeLimit(maxFeeMsat),
	})
	lnd.mu.Unlock()
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrRoutingFailure, err)
	}
	if len(routesResponse.Routes) == 0 {
		return Payment{}, ErrRoutingFailure
	}

	// attempt routes strictly in order. Concurrent attempts against the
	// same invoice would race on the counterparty's settlement.
	var attempt *lnrpc.HTLCAttempt
	for _, route := range routesResponse.Routes {
		if len(route.Hops) == 0 {
			return Payment{}, ErrMissingLastHop
		}
		// every shard of a multi-path payment declares the whole
		// payment's total so the receiver can reassemble it
		route.Hops[len(route.Hops)-1].MppRecord = &lnrpc.MPPRecord{
			PaymentAddr:  payReq.PaymentAddr,
			TotalAmtMsat: int64(amountMsat),
		}

		lnd.mu.Lock()
		attempt, err = lnd.routerClient.SendToRouteV2(ctx, &routerrpc.SendToRouteRequest{
			PaymentHash: paymentHash,
			Route:       route,
		})
		lnd.mu.Unlock()
		if err != nil {
			return Payment{}, fmt.Errorf("%w: %v", ErrConnection, err)
		}

		if attempt.Failure != nil &&
			attempt.Failure.Code == lnrpc.Failure_TEMPORARY_CHANNEL_FAILURE {
			// try the next candidate route
			continue
		}
		break
	}

	payment := Payment{
		LookupId: bolt11.PaymentHash,
		Unit:     cashu.Sat,
	}
	switch attempt.Status {
	case lnrpc.HTLCAttempt_IN_FLIGHT:
		payment.State = nut05.Pending
	case lnrpc.HTLCAttempt_SUCCEEDED:
		payment.State = nut05.Paid
		payment.Preimage = hex.EncodeToString(attempt.Preimage)
		if attempt.Route != nil {
			payment.TotalSpent = uint64(attempt.Route.TotalAmtMsat) / cashu.MsatPerSat
		}
	case lnrpc.HTLCAttempt_FAILED:
		payment.State = nut05.Unpaid
	default:
		payment.State = nut05.Unknown
	}

	return payment, nil
}

func (lnd *LndClient) CreateInvoice(
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

	invoiceRequest := &lnrpc.Invoice{
		ValueMsat: int64(amountMsat),
		Memo:      description,
		Expiry:    int64(unixExpiry - now),
	}

	lnd.mu.Lock()
	addInvoiceResponse, err := lnd.lnClient.AddInvoice(ctx, invoiceRequest)
	lnd.mu.Unlock()
	if err != nil {
		return CreateInvoiceResult{}, fmt.Errorf("%w: could not create invoice: %v", ErrConnection, err)
	}

	// derive the lookup id from the payment hash embedded in the
	// payment request so later status queries can recompute it
	// without the node's response
	bolt11, err := decodepay.Decodepay(addInvoiceResponse.PaymentRequest)
	if err != nil {
		return CreateInvoiceResult{}, fmt.Errorf("could not decode created invoice: %v", err)
	}

	return CreateInvoiceResult{
		LookupId:       bolt11.PaymentHash,
		PaymentRequest: addInvoiceResponse.PaymentRequest,
		Expiry:         unixExpiry,
	}, nil
}

func (lnd *LndClient) InvoiceState(ctx context.Context, lookupId string) (nut04.State, error) {
	rHash, err := hex.DecodeString(lookupId)
	if err != nil {
		return nut04.Unknown, ErrInvalidHash
	}

	lnd.mu.Lock()
	invoice, err := lnd.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rHash})
	lnd.mu.Unlock()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nut04.Unknown, ErrInvoiceNotFound
		}
		return nut04.Unknown, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	// raw node states are converted here and never cross into the
	// mint core
	switch invoice.State {
	case lnrpc.Invoice_OPEN:
		return nut04.Unpaid, nil
	case lnrpc.Invoice_SETTLED:
		return nut04.Paid, nil
	case lnrpc.Invoice_CANCELED:
		return nut04.Unpaid, nil
	case lnrpc.Invoice_ACCEPTED:
		return nut04.Pending, nil
	default:
		return nut04.Unknown, fmt.Errorf("unrecognized invoice state '%v'", invoice.State)
	}
}

// OutgoingPaymentStatus reconciles a payment's state by tracking it on
// the node with in-flight updates filtered out. A payment the node has
// never seen is a clean Unknown observation, not an error.
func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, lookupId string) (Payment, error) {
	paymentHash, err := hex.DecodeString(lookupId)
	if err != nil {
		return Payment{}, ErrInvalidHash
	}

	unknownPayment := Payment{
		LookupId: lookupId,
		State:    nut05.Unknown,
		Unit:     lnd.Settings().Unit,
	}

	lnd.mu.Lock()
	trackStream, err := lnd.routerClient.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       paymentHash,
		NoInflightUpdates: true,
	})
	lnd.mu.Unlock()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return unknownPayment, nil
		}
		return Payment{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	for {
		update, err := trackStream.Recv()
		if err != nil {
			// for streaming rpcs the NotFound can also surface on
			// the first read
			if status.Code(err) == codes.NotFound {
				return unknownPayment, nil
			}
			return Payment{}, ErrUndeterminedPaymentStatus
		}

		switch update.Status {
		case lnrpc.Payment_IN_FLIGHT:
			continue
		case lnrpc.Payment_SUCCEEDED:
			return Payment{
				LookupId:   lookupId,
				Preimage:   update.PaymentPreimage,
				State:      nut05.Paid,
				TotalSpent: uint64(update.ValueSat + update.FeeSat),
				Unit:       cashu.Sat,
			}, nil
		case lnrpc.Payment_FAILED:
			return Payment{
				LookupId: lookupId,
				State:    nut05.Failed,
				Unit:     lnd.Settings().Unit,
			}, nil
		default:
			return unknownPayment, nil
		}
	}
}

func feeLimit(maxFeeMsat uint64) *lnrpc.FeeLimit {
	if maxFeeMsat == 0 {
		return nil
	}
	return &lnrpc.FeeLimit{
		Limit: &lnrpc.FeeLimit_FixedMsat{FixedMsat: int64(maxFeeMsat)},
	}
}
