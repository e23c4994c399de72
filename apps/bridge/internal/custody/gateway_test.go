package custody

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/model"
)

const testSecret = "webhook-secret"

func signBody(t *testing.T, timestamp string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestGateway() *Gateway {
	return NewGateway(testSecret, 5*time.Minute, zap.NewNop())
}

func TestVerifyWebhook(t *testing.T) {
	g := newTestGateway()
	body := []byte(`{"transaction_id":"tx-1"}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())

	if err := g.VerifyWebhook(ts, signBody(t, ts, body), body); err != nil {
		t.Errorf("valid webhook rejected: %v", err)
	}
}

func TestVerifyWebhookBadSignature(t *testing.T) {
	g := newTestGateway()
	body := []byte(`{"transaction_id":"tx-1"}`)
	ts := fmt.Sprintf("%d", time.Now().Unix())

	if err := g.VerifyWebhook(ts, signBody(t, ts, []byte("tampered")), body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	// Signing with a different secret must also fail.
	other := NewGateway("different-secret", 5*time.Minute, zap.NewNop())
	sig := signBody(t, ts, body)
	if err := other.VerifyWebhook(ts, sig, body); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature across secrets, got %v", err)
	}
}

func TestVerifyWebhookStaleTimestamp(t *testing.T) {
	g := newTestGateway()
	body := []byte(`{}`)

	old := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).Unix())
	if err := g.VerifyWebhook(old, signBody(t, old, body), body); !errors.Is(err, ErrStaleNotification) {
		t.Errorf("expected ErrStaleNotification for old timestamp, got %v", err)
	}

	future := fmt.Sprintf("%d", time.Now().Add(10*time.Minute).Unix())
	if err := g.VerifyWebhook(future, signBody(t, future, body), body); !errors.Is(err, ErrStaleNotification) {
		t.Errorf("expected ErrStaleNotification for future timestamp, got %v", err)
	}

	if err := g.VerifyWebhook("not-a-number", "sig", body); !errors.Is(err, ErrStaleNotification) {
		t.Errorf("expected ErrStaleNotification for garbage timestamp, got %v", err)
	}
}

func TestDecodeWebhook(t *testing.T) {
	g := newTestGateway()
	body := []byte(`{
		"transaction_id": "abc123",
		"order_ref": "wd-42",
		"user_id": "user-7",
		"direction": "withdrawal",
		"network": "tron",
		"chain_id": "tron-mainnet",
		"symbol": "USDT",
		"amount": "250.5",
		"from_address": "THot1",
		"to_address": "TDest2",
		"tx_time": 1700000000,
		"block_height": 55000000,
		"fee": "1.1",
		"fee_symbol": "TRX"
	}`)

	obs, err := g.DecodeWebhook(body)
	if err != nil {
		t.Fatalf("DecodeWebhook failed: %v", err)
	}

	if obs.Source != "custody_push" {
		t.Errorf("Source = %q, want custody_push", obs.Source)
	}
	if obs.Direction != model.DirectionOut {
		t.Errorf("Direction = %q, want %q", obs.Direction, model.DirectionOut)
	}
	if obs.TxID != "abc123" || obs.CustodyRef != "wd-42" || obs.UserID != "user-7" {
		t.Errorf("identity fields wrong: %+v", obs)
	}
	if !obs.TxTime.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("TxTime = %v", obs.TxTime)
	}
	if len(obs.Fees) != 1 || obs.Fees[0].Amount != "1.1" || obs.Fees[0].Symbol != "TRX" {
		t.Errorf("Fees = %+v", obs.Fees)
	}
}

func TestDecodeWebhookDefaultsAndErrors(t *testing.T) {
	g := newTestGateway()

	obs, err := g.DecodeWebhook([]byte(`{"transaction_id":"tx-9","direction":"deposit"}`))
	if err != nil {
		t.Fatalf("DecodeWebhook failed: %v", err)
	}
	if obs.Direction != model.DirectionIn {
		t.Errorf("deposit should map to DirectionIn, got %q", obs.Direction)
	}
	if len(obs.Fees) != 0 {
		t.Errorf("expected no fees, got %+v", obs.Fees)
	}

	if _, err := g.DecodeWebhook([]byte(`{"direction":"deposit"}`)); err == nil {
		t.Error("expected error for missing transaction_id")
	}
	if _, err := g.DecodeWebhook([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed body")
	}
}
