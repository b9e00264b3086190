package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/healthbridge/lab-orders/pkg/types"
)

// TypePDFAccess is the token type granting requisition document access
const TypePDFAccess = "pdf_access"

// QRType tags the QR envelope so scanners can route the payload
const QRType = "manual_lab_order"

// barcodeHashLen is the hex length of the token hash fragment appended to
// the order id in barcode payloads
const barcodeHashLen = 16

// Payload is the self-describing content of a requisition access token
type Payload struct {
	OrderID   string `json:"orderId"`
	SubjectID string `json:"subjectId"`
	Type      string `json:"type"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// QREnvelope is the JSON payload embedded in requisition QR codes
type QREnvelope struct {
	OrderID string `json:"orderId"`
	Token   string `json:"token"`
	Type    string `json:"type"`
}

// Service issues and verifies signed requisition access tokens.
// The wire format is base64(JSON payload) + "." + hex(hmac-sha256), which is
// an external contract with printed QR/barcode material.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates a token service with the given signing secret
func NewService(secret string) *Service {
	return &Service{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// Issue builds a signed token granting the subject time-limited access to the order
func (s *Service) Issue(orderID, subjectID string, ttl time.Duration, tokenType string) (string, error) {
	now := s.now()
	payload := Payload{
		OrderID:   orderID,
		SubjectID: subjectID,
		Type:      tokenType,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to encode token payload", err)
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	return encoded + "." + s.sign(encoded), nil
}

// Validate verifies a token's signature, expiry and type and returns its payload.
// Every failure carries a tagged reason code so callers can translate it to
// the right HTTP response.
func (s *Service) Validate(token, expectedType string) (*Payload, error) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenMalformed, "access token has an invalid format")
	}

	encoded := token[:idx]
	signature := token[idx+1:]

	expected := s.sign(encoded)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenSignature, "access token signature is invalid")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenMalformed, "access token payload is not decodable")
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenMalformed, "access token payload is not parseable")
	}

	if payload.ExpiresAt <= s.now().Unix() {
		return nil, types.NewUnauthorizedError(types.ErrCodeTokenExpired, "access token has expired")
	}

	if expectedType != "" && payload.Type != expectedType {
		return nil, types.NewForbiddenError(types.ErrCodeTokenWrongType, "access token type does not match the requested operation")
	}

	return &payload, nil
}

// QRPayload builds the JSON envelope embedded in the requisition QR code
func (s *Service) QRPayload(orderID, token string) (string, error) {
	envelope := QREnvelope{
		OrderID: orderID,
		Token:   token,
		Type:    QRType,
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", types.NewInternalError(types.ErrCodeInternalError, "failed to encode QR payload", err)
	}
	return string(raw), nil
}

// BarcodePayload derives the linear barcode payload: the order id followed by
// a fixed-length hash fragment of the token, so a physical scan resolves back
// to the order without carrying the full token string.
func (s *Service) BarcodePayload(orderID, token string) string {
	return orderID + TokenHashFragment(token)
}

// SplitBarcode separates a scanned barcode payload into order id and hash fragment
func SplitBarcode(payload string) (orderID, hashFragment string, err error) {
	if len(payload) <= barcodeHashLen {
		return "", "", types.NewValidationError(types.ErrCodeInvalidInput, "barcode payload is too short", nil)
	}
	return payload[:len(payload)-barcodeHashLen], payload[len(payload)-barcodeHashLen:], nil
}

// TokenHashFragment returns the fixed-length hash fragment derived from a token
func TokenHashFragment(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:barcodeHashLen]
}

// sign computes the hex HMAC-SHA256 signature over the encoded payload
func (s *Service) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
