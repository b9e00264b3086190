package token

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/healthbridge/lab-orders/pkg/types"
)

func newTestService() *Service {
	return NewService("test-secret-key")
}

func TestIssueValidate_RoundTrip(t *testing.T) {
	svc := newTestService()

	token, err := svc.Issue("LAB-2025-0001", "user-1", time.Hour, TypePDFAccess)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	payload, err := svc.Validate(token, TypePDFAccess)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if payload.OrderID != "LAB-2025-0001" {
		t.Errorf("expected order id LAB-2025-0001, got %s", payload.OrderID)
	}
	if payload.SubjectID != "user-1" {
		t.Errorf("expected subject user-1, got %s", payload.SubjectID)
	}
	if payload.Type != TypePDFAccess {
		t.Errorf("expected type %s, got %s", TypePDFAccess, payload.Type)
	}
}

func TestValidate_TamperedSignature(t *testing.T) {
	svc := newTestService()

	token, err := svc.Issue("LAB-2025-0001", "user-1", time.Hour, TypePDFAccess)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Flip the last signature character
	last := token[len(token)-1]
	replacement := byte('0')
	if last == '0' {
		replacement = '1'
	}
	tampered := token[:len(token)-1] + string(replacement)

	_, err = svc.Validate(tampered, TypePDFAccess)
	appErr, ok := types.AsAppError(err)
	if !ok {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeTokenSignature {
		t.Errorf("expected code %s, got %s", types.ErrCodeTokenSignature, appErr.Code)
	}
}

func TestValidate_Expired(t *testing.T) {
	svc := newTestService()

	token, err := svc.Issue("LAB-2025-0001", "user-1", 24*time.Hour, TypePDFAccess)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Move the clock 25 hours forward
	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	_, err = svc.Validate(token, TypePDFAccess)
	appErr, ok := types.AsAppError(err)
	if !ok {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeTokenExpired {
		t.Errorf("expected code %s, got %s", types.ErrCodeTokenExpired, appErr.Code)
	}
}

func TestValidate_WrongType(t *testing.T) {
	svc := newTestService()

	token, err := svc.Issue("LAB-2025-0001", "user-1", time.Hour, "other_purpose")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	_, err = svc.Validate(token, TypePDFAccess)
	appErr, ok := types.AsAppError(err)
	if !ok {
		t.Fatalf("expected AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeTokenWrongType {
		t.Errorf("expected code %s, got %s", types.ErrCodeTokenWrongType, appErr.Code)
	}
	if appErr.Kind != types.ErrorKindForbidden {
		t.Errorf("wrong token type should be forbidden, got %s", appErr.Kind)
	}
}

func TestValidate_MalformedTokens(t *testing.T) {
	svc := newTestService()

	cases := []string{
		"",
		"no-separator",
		".leading-dot",
		"trailing-dot.",
		"not-base64!!!.deadbeef",
	}

	for _, tc := range cases {
		_, err := svc.Validate(tc, TypePDFAccess)
		if err == nil {
			t.Errorf("expected error for token %q", tc)
			continue
		}
		appErr, ok := types.AsAppError(err)
		if !ok {
			t.Errorf("expected AppError for token %q, got %v", tc, err)
			continue
		}
		if appErr.Kind != types.ErrorKindUnauthorized {
			t.Errorf("malformed token %q should be unauthorized, got %s", tc, appErr.Kind)
		}
	}
}

func TestQRPayload(t *testing.T) {
	svc := newTestService()

	token, _ := svc.Issue("LAB-2025-0042", "user-1", time.Hour, TypePDFAccess)
	qr, err := svc.QRPayload("LAB-2025-0042", token)
	if err != nil {
		t.Fatalf("QRPayload failed: %v", err)
	}

	var envelope QREnvelope
	if err := json.Unmarshal([]byte(qr), &envelope); err != nil {
		t.Fatalf("QR payload is not valid JSON: %v", err)
	}

	if envelope.OrderID != "LAB-2025-0042" {
		t.Errorf("expected order id LAB-2025-0042, got %s", envelope.OrderID)
	}
	if envelope.Token != token {
		t.Error("QR envelope should carry the full token")
	}
	if envelope.Type != QRType {
		t.Errorf("expected type %s, got %s", QRType, envelope.Type)
	}
}

func TestBarcodePayload_SplitRoundTrip(t *testing.T) {
	svc := newTestService()

	token, _ := svc.Issue("LAB-2025-0042", "user-1", time.Hour, TypePDFAccess)
	barcode := svc.BarcodePayload("LAB-2025-0042", token)

	if !strings.HasPrefix(barcode, "LAB-2025-0042") {
		t.Errorf("barcode should start with the order id, got %s", barcode)
	}

	orderID, fragment, err := SplitBarcode(barcode)
	if err != nil {
		t.Fatalf("SplitBarcode failed: %v", err)
	}
	if orderID != "LAB-2025-0042" {
		t.Errorf("expected order id LAB-2025-0042, got %s", orderID)
	}
	if len(fragment) != barcodeHashLen {
		t.Errorf("expected %d-char hash fragment, got %d", barcodeHashLen, len(fragment))
	}
	if fragment != TokenHashFragment(token) {
		t.Error("hash fragment should be derived from the token")
	}
}
