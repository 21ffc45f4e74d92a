// Package cardrail settles USD escrows through PayPal.
//
// The flow mirrors the authorize/capture model: an AUTHORIZE-intent order
// places a hold on the buyer's card at funding time, capture happens only
// after both parties confirm, and the seller is paid out by email through
// the Payouts API. Cancelling a funded escrow voids the hold instead.
package cardrail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/plutov/paypal/v4"

	"github.com/adam-php/medius/internal/idgen"
	"github.com/adam-php/medius/internal/retry"
)

var (
	ErrNotConfigured   = errors.New("cardrail: rail not configured")
	ErrOrderNotFound   = errors.New("cardrail: order not found")
	ErrNotApproved     = errors.New("cardrail: order not approved by buyer")
	ErrNoAuthorization = errors.New("cardrail: no authorization on order")
	ErrCaptureFailed   = errors.New("cardrail: capture failed")
	ErrPayoutFailed    = errors.New("cardrail: payout failed")
)

// OrderContext is what the buyer needs to approve a hold.
type OrderContext struct {
	OrderID     string
	ApprovalURL string
	Status      string
}

// Rail is the card operations surface the settlement code depends on.
type Rail interface {
	// CreateAuthorization creates an AUTHORIZE-intent order and returns the
	// approval URL the buyer must visit.
	CreateAuthorization(ctx context.Context, amountUSD float64, ref, returnURL, cancelURL string) (*OrderContext, error)
	// AuthorizationID resolves the authorization placed on an approved
	// order, explicitly authorizing it if approval hasn't produced one yet.
	AuthorizationID(ctx context.Context, orderID string) (string, error)
	// Capture draws the held funds into the platform account.
	Capture(ctx context.Context, authorizationID string, amountUSD float64) (string, error)
	// Payout sends USD to the seller's PayPal email. Returns the batch id.
	Payout(ctx context.Context, email string, amountUSD float64, ref string) (string, error)
	// Void releases a hold without capturing.
	Void(ctx context.Context, authorizationID string) error
	// Refund returns captured funds to the buyer.
	Refund(ctx context.Context, captureID string, amountUSD float64) (string, error)
}

// client is the slice of the PayPal SDK the rail uses, split out so tests
// can fake it.
type client interface {
	CreateOrder(ctx context.Context, intent string, purchaseUnits []paypal.PurchaseUnitRequest, paymentSource *paypal.PaymentSource, appContext *paypal.ApplicationContext) (*paypal.Order, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	AuthorizeOrder(ctx context.Context, orderID string, authorizeOrderRequest paypal.AuthorizeOrderRequest) (*paypal.AuthorizeOrderResponse, error)
	CaptureAuthorization(ctx context.Context, authID string, paymentCaptureRequest *paypal.PaymentCaptureRequest) (*paypal.PaymentCaptureResponse, error)
	VoidAuthorization(ctx context.Context, authID string) (*paypal.Authorization, error)
	RefundCapture(ctx context.Context, captureID string, refundCaptureRequest paypal.RefundCaptureRequest) (*paypal.RefundResponse, error)
	CreatePayout(ctx context.Context, p paypal.Payout) (*paypal.PayoutResponse, error)
}

// PayPal implements Rail against the live or sandbox PayPal API.
type PayPal struct {
	api   client
	brand string

	// pollDelay is the wait between authorization resolution attempts.
	// Shortened in tests.
	pollDelay time.Duration
}

var _ Rail = (*PayPal)(nil)

// New creates the PayPal rail. live selects the production API base.
func New(clientID, secret string, live bool) (*PayPal, error) {
	if clientID == "" || secret == "" {
		return nil, ErrNotConfigured
	}
	base := paypal.APIBaseSandBox
	if live {
		base = paypal.APIBaseLive
	}
	c, err := paypal.NewClient(clientID, secret, base)
	if err != nil {
		return nil, fmt.Errorf("cardrail: %w", err)
	}
	if _, err := c.GetAccessToken(context.Background()); err != nil {
		return nil, fmt.Errorf("cardrail: access token: %w", err)
	}
	return &PayPal{api: c, brand: "Medius Escrow", pollDelay: 2 * time.Second}, nil
}

func usd(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}

// CreateAuthorization creates the AUTHORIZE order and extracts the approval link.
func (p *PayPal) CreateAuthorization(ctx context.Context, amountUSD float64, ref, returnURL, cancelURL string) (*OrderContext, error) {
	order, err := p.api.CreateOrder(ctx, paypal.OrderIntentAuthorize,
		[]paypal.PurchaseUnitRequest{{
			ReferenceID: ref,
			Amount: &paypal.PurchaseUnitAmount{
				Currency: "USD",
				Value:    usd(amountUSD),
			},
			Description: fmt.Sprintf("%s - Amount: $%s", p.brand, usd(amountUSD)),
		}},
		nil,
		&paypal.ApplicationContext{
			BrandName:          p.brand,
			Locale:             "en-US",
			ShippingPreference: paypal.ShippingPreferenceNoShipping,
			UserAction:         paypal.UserActionPayNow,
			ReturnURL:          returnURL,
			CancelURL:          cancelURL,
		})
	if err != nil {
		return nil, fmt.Errorf("cardrail: create order: %w", err)
	}

	oc := &OrderContext{OrderID: order.ID, Status: order.Status}
	for _, link := range order.Links {
		if link.Rel == "approve" {
			oc.ApprovalURL = link.Href
			break
		}
	}
	return oc, nil
}

// AuthorizationID resolves the authorization id from an approved order.
// Approval and authorization can race, so the order is polled a few times;
// if the order is approved but carries no authorization yet, an explicit
// authorize call forces one.
func (p *PayPal) AuthorizationID(ctx context.Context, orderID string) (string, error) {
	var authID string
	err := retry.Fixed([]time.Duration{p.pollDelay, p.pollDelay}, func() error {
		order, err := p.api.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		}
		if order.Status != "APPROVED" && order.Status != "COMPLETED" {
			return fmt.Errorf("%w: status %s", ErrNotApproved, order.Status)
		}

		if id := authorizationFromOrder(order); id != "" {
			authID = id
			return nil
		}

		// Approved but not yet authorized. Force it, then re-read.
		if _, err := p.api.AuthorizeOrder(ctx, orderID, paypal.AuthorizeOrderRequest{}); err != nil {
			return fmt.Errorf("%w: authorize: %v", ErrNoAuthorization, err)
		}
		order, err = p.api.GetOrder(ctx, orderID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		}
		if id := authorizationFromOrder(order); id != "" {
			authID = id
			return nil
		}
		return ErrNoAuthorization
	})
	if err != nil {
		return "", err
	}
	return authID, nil
}

func authorizationFromOrder(order *paypal.Order) string {
	for _, unit := range order.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		// Autthorizations is the SDK's own spelling of the field.
		for _, auth := range unit.Payments.Autthorizations {
			if auth.ID != "" {
				return auth.ID
			}
		}
	}
	return ""
}

// Capture draws held funds. FinalCapture closes the authorization.
func (p *PayPal) Capture(ctx context.Context, authorizationID string, amountUSD float64) (string, error) {
	resp, err := p.api.CaptureAuthorization(ctx, authorizationID, &paypal.PaymentCaptureRequest{
		Amount: &paypal.Money{
			Currency: "USD",
			Value:    usd(amountUSD),
		},
		FinalCapture: true,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if resp == nil || resp.ID == "" {
		return "", ErrCaptureFailed
	}
	return resp.ID, nil
}

// Payout sends the seller their net amount by email.
func (p *PayPal) Payout(ctx context.Context, email string, amountUSD float64, ref string) (string, error) {
	resp, err := p.api.CreatePayout(ctx, paypal.Payout{
		SenderBatchHeader: &paypal.SenderBatchHeader{
			SenderBatchID: fmt.Sprintf("%s_%s", ref, idgen.Hex(6)),
			EmailSubject:  p.brand + " - Payment Released",
			EmailMessage:  fmt.Sprintf("Your escrow payment of $%s has been released.", usd(amountUSD)),
		},
		Items: []paypal.PayoutItem{{
			RecipientType: "EMAIL",
			Receiver:      email,
			Amount: &paypal.AmountPayout{
				Value:    usd(amountUSD),
				Currency: "USD",
			},
			Note:         p.brand + " Release - " + ref,
			SenderItemID: ref,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPayoutFailed, err)
	}
	if resp == nil || resp.BatchHeader == nil || resp.BatchHeader.PayoutBatchID == "" {
		return "", ErrPayoutFailed
	}
	return resp.BatchHeader.PayoutBatchID, nil
}

// Void releases the hold on a cancelled escrow.
func (p *PayPal) Void(ctx context.Context, authorizationID string) error {
	if _, err := p.api.VoidAuthorization(ctx, authorizationID); err != nil {
		return fmt.Errorf("cardrail: void %s: %w", authorizationID, err)
	}
	return nil
}

// Refund returns captured funds to the buyer.
func (p *PayPal) Refund(ctx context.Context, captureID string, amountUSD float64) (string, error) {
	resp, err := p.api.RefundCapture(ctx, captureID, paypal.RefundCaptureRequest{
		Amount: &paypal.Money{
			Currency: "USD",
			Value:    usd(amountUSD),
		},
	})
	if err != nil {
		return "", fmt.Errorf("cardrail: refund %s: %w", captureID, err)
	}
	if resp == nil || resp.ID == "" {
		return "", fmt.Errorf("cardrail: refund %s: empty response", captureID)
	}
	return resp.ID, nil
}
