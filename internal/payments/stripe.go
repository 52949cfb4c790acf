package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/taskhold/internal/escrow"
	"github.com/mbd888/taskhold/internal/money"
)

// ErrNoAuthorization is returned when no payment intent is authorized for
// a contract.
var ErrNoAuthorization = errors.New("payments: no authorized payment intent for contract")

// StripeGateway moves escrow funds through Stripe.
//
// The client authorizes a manual-capture PaymentIntent tagged with
// metadata contract_id. Capture finalizes it, Release transfers the doer's
// part to their connected account, and Refund refunds against the intent.
// The ledger's idempotency key is forwarded on every write.
type StripeGateway struct {
	api      *client.API
	currency stripe.Currency
	accounts func(ctx context.Context, userID string) (string, error)
}

// NewStripeGateway creates a gateway using the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{
		api:      api,
		currency: stripe.CurrencyUSD,
		accounts: func(_ context.Context, userID string) (string, error) { return userID, nil },
	}
}

// WithAccountResolver maps a user ID to a Stripe connected account ID. The
// default treats the user ID as the account ID.
func (g *StripeGateway) WithAccountResolver(fn func(ctx context.Context, userID string) (string, error)) *StripeGateway {
	g.accounts = fn
	return g
}

// WithCurrency sets the settlement currency.
func (g *StripeGateway) WithCurrency(c stripe.Currency) *StripeGateway {
	g.currency = c
	return g
}

func (g *StripeGateway) Capture(ctx context.Context, contractID string, amount money.Amount) (escrow.Receipt, error) {
	pi, err := g.findIntent(ctx, contractID, stripe.PaymentIntentStatusRequiresCapture)
	if err != nil {
		return escrow.Receipt{}, err
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(int64(amount))}
	params.Context = ctx
	params.SetIdempotencyKey(escrow.IdempotencyKeyFrom(ctx))

	captured, err := g.api.PaymentIntents.Capture(pi.ID, params)
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("stripe capture %s: %w", pi.ID, err)
	}
	return receipt(captured.ID, amount, "", captured.Created), nil
}

func (g *StripeGateway) Release(ctx context.Context, contractID string, amount money.Amount, payeeID string) (escrow.Receipt, error) {
	dest, err := g.accounts(ctx, payeeID)
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("resolve connected account for %s: %w", payeeID, err)
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(int64(amount)),
		Currency:      stripe.String(string(g.currency)),
		Destination:   stripe.String(dest),
		TransferGroup: stripe.String(contractID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(escrow.IdempotencyKeyFrom(ctx))
	params.AddMetadata("contract_id", contractID)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("stripe transfer for %s: %w", contractID, err)
	}
	return receipt(tr.ID, amount, payeeID, tr.Created), nil
}

func (g *StripeGateway) Refund(ctx context.Context, contractID string, amount money.Amount, payeeID string) (escrow.Receipt, error) {
	pi, err := g.findIntent(ctx, contractID, stripe.PaymentIntentStatusSucceeded)
	if err != nil {
		return escrow.Receipt{}, err
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(pi.ID),
		Amount:        stripe.Int64(int64(amount)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(escrow.IdempotencyKeyFrom(ctx))
	params.AddMetadata("contract_id", contractID)

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		return escrow.Receipt{}, fmt.Errorf("stripe refund %s: %w", pi.ID, err)
	}
	return receipt(rf.ID, amount, payeeID, rf.Created), nil
}

func (g *StripeGateway) findIntent(ctx context.Context, contractID string, status stripe.PaymentIntentStatus) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['contract_id']:'%s' AND status:'%s'", contractID, status)

	it := g.api.PaymentIntents.Search(params)
	if it.Next() {
		return it.PaymentIntent(), nil
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe search intents for %s: %w", contractID, err)
	}
	return nil, fmt.Errorf("%w %s", ErrNoAuthorization, contractID)
}

func receipt(id string, amount money.Amount, payeeID string, created int64) escrow.Receipt {
	return escrow.Receipt{ID: id, Amount: amount, PayeeID: payeeID, At: time.Unix(created, 0).UTC()}
}
