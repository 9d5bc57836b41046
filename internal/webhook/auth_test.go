package webhook

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifySignatureMatches(t *testing.T) {
	secret := "s3cr3t"
	fullURL := "https://gateway.example.com/whatsapp/webhook"
	params := url.Values{"Body": {"hello there"}, "From": {"+14155550100"}, "MessageSid": {"SM123"}}

	header := ComputeSignature(secret, fullURL, params)
	require.NoError(t, VerifySignature(header, secret, fullURL, params))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	secret := "s3cr3t"
	fullURL := "https://gateway.example.com/whatsapp/webhook"
	params := url.Values{"Body": {"hello there"}, "From": {"+14155550100"}}
	header := ComputeSignature(secret, fullURL, params)

	tampered := url.Values{"Body": {"mallory"}, "From": {"+14155550100"}}
	require.ErrorIs(t, VerifySignature(header, secret, fullURL, tampered), ErrBadSignature)
}

func TestVerifySignatureRejectsWrongURL(t *testing.T) {
	secret := "s3cr3t"
	params := url.Values{"Body": {"hi"}}
	header := ComputeSignature(secret, "https://gateway.example.com/whatsapp/webhook", params)

	err := VerifySignature(header, secret, "https://gateway.example.com/other/path", params)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignatureRejectsEmptyHeader(t *testing.T) {
	require.ErrorIs(t, VerifySignature("", "secret", "https://x", url.Values{}), ErrBadSignature)
}

func TestIssueSendTokenReturnsToken(t *testing.T) {
	tok, err := IssueSendToken("hmac-secret", 42, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, tok)
}
