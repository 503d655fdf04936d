package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func sign(secret, orderID, paymentRef string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s", orderID, paymentRef)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	c := NewClient("http://unused", "key", "secret", time.Second)

	good := sign("secret", "order-1", "pay-ref-1")
	if err := c.VerifySignature("order-1", "pay-ref-1", good); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := c.VerifySignature("order-1", "pay-ref-1", "tampered"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	wrongKey := sign("other-secret", "order-1", "pay-ref-1")
	if err := c.VerifySignature("order-1", "pay-ref-1", wrongKey); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("signature under wrong key should fail, got %v", err)
	}

	crossOrder := sign("secret", "order-2", "pay-ref-1")
	if err := c.VerifySignature("order-1", "pay-ref-1", crossOrder); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("signature over different order should fail, got %v", err)
	}
}

func TestCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" || r.Method != http.MethodPost {
			t.Fatalf("unexpected call %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"order-42"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", time.Second)
	order, err := c.CreateOrder(context.Background(), decimal.RequireFromString("1000"), "INR", "r1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "order-42" || order.Receipt != "r1" {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestFetchStatus_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"captured"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", time.Second)
	status, err := c.FetchStatus(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if status != "captured" {
		t.Fatalf("expected captured, got %s", status)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestFetchStatus_GivesUpAfterThree(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", time.Second)
	if _, err := c.FetchStatus(context.Background(), "order-1"); !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls.Load())
	}
}

func TestInitiateRefund_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "secret", time.Second)
	if _, err := c.InitiateRefund(context.Background(), "pay-ref-1", decimal.RequireFromString("500")); !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("a mutating call must not retry, got %d attempts", calls.Load())
	}
}
