package cardrail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plutov/paypal/v4"
)

type fakeClient struct {
	orders         map[string]*paypal.Order
	authorizeCalls int
	captureCalls   int
	voidCalls      int
	payoutCalls    int
	refundCalls    int

	captureErr error
	payoutErr  error

	// authorizeGrants makes AuthorizeOrder attach an authorization to the order
	authorizeGrants string
}

func (f *fakeClient) CreateOrder(_ context.Context, intent string, units []paypal.PurchaseUnitRequest, _ *paypal.PaymentSource, _ *paypal.ApplicationContext) (*paypal.Order, error) {
	if intent != paypal.OrderIntentAuthorize {
		return nil, errors.New("unexpected intent " + intent)
	}
	order := &paypal.Order{
		ID:     "ORDER-1",
		Status: "CREATED",
		Links: []paypal.Link{
			{Rel: "self", Href: "https://api.sandbox.paypal.com/v2/checkout/orders/ORDER-1"},
			{Rel: "approve", Href: "https://www.sandbox.paypal.com/checkoutnow?token=ORDER-1"},
		},
	}
	if f.orders == nil {
		f.orders = make(map[string]*paypal.Order)
	}
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeClient) GetOrder(_ context.Context, orderID string) (*paypal.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return nil, errors.New("RESOURCE_NOT_FOUND")
	}
	return order, nil
}

func (f *fakeClient) AuthorizeOrder(_ context.Context, orderID string, _ paypal.AuthorizeOrderRequest) (*paypal.AuthorizeOrderResponse, error) {
	f.authorizeCalls++
	if f.authorizeGrants == "" {
		return nil, errors.New("ORDER_NOT_APPROVED")
	}
	order := f.orders[orderID]
	order.PurchaseUnits = []paypal.PurchaseUnit{{
		Payments: &paypal.CapturedPayments{
			Autthorizations: []paypal.Authorization{{ID: f.authorizeGrants, Status: "CREATED"}},
		},
	}}
	return &paypal.AuthorizeOrderResponse{ID: orderID, Status: "COMPLETED"}, nil
}

func (f *fakeClient) CaptureAuthorization(_ context.Context, authID string, _ *paypal.PaymentCaptureRequest) (*paypal.PaymentCaptureResponse, error) {
	f.captureCalls++
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return &paypal.PaymentCaptureResponse{ID: "CAP-" + authID, Status: "COMPLETED"}, nil
}

func (f *fakeClient) VoidAuthorization(_ context.Context, authID string) (*paypal.Authorization, error) {
	f.voidCalls++
	return &paypal.Authorization{ID: authID, Status: "VOIDED"}, nil
}

func (f *fakeClient) RefundCapture(_ context.Context, captureID string, _ paypal.RefundCaptureRequest) (*paypal.RefundResponse, error) {
	f.refundCalls++
	return &paypal.RefundResponse{ID: "REF-" + captureID, Status: "COMPLETED"}, nil
}

func (f *fakeClient) CreatePayout(_ context.Context, _ paypal.Payout) (*paypal.PayoutResponse, error) {
	f.payoutCalls++
	if f.payoutErr != nil {
		return nil, f.payoutErr
	}
	return &paypal.PayoutResponse{
		BatchHeader: &paypal.BatchHeader{PayoutBatchID: "BATCH-1", BatchStatus: "PENDING"},
	}, nil
}

func newTestRail(f *fakeClient) *PayPal {
	return &PayPal{api: f, brand: "Medius Escrow", pollDelay: time.Millisecond}
}

func TestCreateAuthorization(t *testing.T) {
	f := &fakeClient{}
	rail := newTestRail(f)

	oc, err := rail.CreateAuthorization(context.Background(), 200, "escrow_abc", "https://app/escrow/abc?ok", "https://app/escrow/abc?cancel")
	if err != nil {
		t.Fatalf("CreateAuthorization: %v", err)
	}
	if oc.OrderID != "ORDER-1" {
		t.Errorf("OrderID = %q", oc.OrderID)
	}
	if oc.ApprovalURL == "" {
		t.Error("expected approval URL from approve link")
	}
}

func TestAuthorizationID_PresentOnOrder(t *testing.T) {
	f := &fakeClient{
		orders: map[string]*paypal.Order{
			"ORDER-1": {
				ID:     "ORDER-1",
				Status: "APPROVED",
				PurchaseUnits: []paypal.PurchaseUnit{{
					Payments: &paypal.CapturedPayments{
						Autthorizations: []paypal.Authorization{{ID: "AUTH-1"}},
					},
				}},
			},
		},
	}
	rail := newTestRail(f)

	id, err := rail.AuthorizationID(context.Background(), "ORDER-1")
	if err != nil {
		t.Fatalf("AuthorizationID: %v", err)
	}
	if id != "AUTH-1" {
		t.Errorf("id = %q, want AUTH-1", id)
	}
	if f.authorizeCalls != 0 {
		t.Errorf("authorize calls = %d, want 0", f.authorizeCalls)
	}
}

func TestAuthorizationID_ExplicitAuthorizeFallback(t *testing.T) {
	f := &fakeClient{
		orders: map[string]*paypal.Order{
			"ORDER-1": {ID: "ORDER-1", Status: "APPROVED"},
		},
		authorizeGrants: "AUTH-2",
	}
	rail := newTestRail(f)

	id, err := rail.AuthorizationID(context.Background(), "ORDER-1")
	if err != nil {
		t.Fatalf("AuthorizationID: %v", err)
	}
	if id != "AUTH-2" {
		t.Errorf("id = %q, want AUTH-2", id)
	}
	if f.authorizeCalls != 1 {
		t.Errorf("authorize calls = %d, want 1", f.authorizeCalls)
	}
}

func TestAuthorizationID_NotApproved(t *testing.T) {
	f := &fakeClient{
		orders: map[string]*paypal.Order{
			"ORDER-1": {ID: "ORDER-1", Status: "CREATED"},
		},
	}
	rail := newTestRail(f)

	_, err := rail.AuthorizationID(context.Background(), "ORDER-1")
	if !errors.Is(err, ErrNotApproved) {
		t.Errorf("err = %v, want ErrNotApproved", err)
	}
}

func TestCapture(t *testing.T) {
	f := &fakeClient{}
	rail := newTestRail(f)

	captureID, err := rail.Capture(context.Background(), "AUTH-1", 200)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if captureID != "CAP-AUTH-1" {
		t.Errorf("captureID = %q", captureID)
	}
}

func TestCapture_Error(t *testing.T) {
	f := &fakeClient{captureErr: errors.New("AUTHORIZATION_VOIDED")}
	rail := newTestRail(f)

	_, err := rail.Capture(context.Background(), "AUTH-1", 200)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Errorf("err = %v, want ErrCaptureFailed", err)
	}
}

func TestPayout(t *testing.T) {
	f := &fakeClient{}
	rail := newTestRail(f)

	batchID, err := rail.Payout(context.Background(), "seller@example.com", 196, "escrow_abc")
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if batchID != "BATCH-1" {
		t.Errorf("batchID = %q", batchID)
	}
}

func TestPayout_Error(t *testing.T) {
	f := &fakeClient{payoutErr: errors.New("INSUFFICIENT_FUNDS")}
	rail := newTestRail(f)

	if _, err := rail.Payout(context.Background(), "seller@example.com", 196, "ref"); !errors.Is(err, ErrPayoutFailed) {
		t.Errorf("err = %v, want ErrPayoutFailed", err)
	}
}

func TestVoidAndRefund(t *testing.T) {
	f := &fakeClient{}
	rail := newTestRail(f)

	if err := rail.Void(context.Background(), "AUTH-1"); err != nil {
		t.Fatalf("Void: %v", err)
	}
	if f.voidCalls != 1 {
		t.Errorf("void calls = %d", f.voidCalls)
	}

	refundID, err := rail.Refund(context.Background(), "CAP-1", 200)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refundID != "REF-CAP-1" {
		t.Errorf("refundID = %q", refundID)
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New("", "", false); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
