package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/sha3"
)

func TestVerifier_HMAC(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1","tx_hash":"0xabc","amount":"100"}`)
	secret := "test_webhook_secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	validSig := hex.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
		wantErr   error
	}{
		{name: "valid signature", payload: payload, signature: validSig, secret: secret},
		{name: "uppercase hex", payload: payload, signature: strings.ToUpper(validSig), secret: secret},
		{name: "prefixed", payload: payload, signature: "sha256=" + validSig, secret: secret},
		{name: "invalid signature", payload: payload, signature: "invalid_signature", secret: secret, wantErr: ErrInvalidSignature},
		{name: "wrong secret", payload: payload, signature: validSig, secret: "wrong_secret", wantErr: ErrInvalidSignature},
		{name: "modified payload", payload: []byte(`{"event_id":"evt_1","amount":"1000"}`), signature: validSig, secret: secret, wantErr: ErrInvalidSignature},
		{name: "reformatted json", payload: []byte(`{"event_id": "evt_1", "tx_hash": "0xabc", "amount": "100"}`), signature: validSig, secret: secret, wantErr: ErrInvalidSignature},
		{name: "missing signature", payload: payload, signature: "", secret: secret, wantErr: ErrMissingSignature},
		{name: "missing secret", payload: payload, signature: validSig, secret: "", wantErr: ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewVerifier(SchemeHMACSHA256, tt.secret).Verify(tt.payload, tt.signature)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifier_KeccakConcat(t *testing.T) {
	payload := []byte(`{"confirmed":true}`)
	secret := "stream-secret"

	h := sha3.NewLegacyKeccak256()
	h.Write(append(append([]byte{}, payload...), []byte(secret)...))
	sig := "0x" + hex.EncodeToString(h.Sum(nil))

	v := NewVerifier(SchemeKeccakConcat, secret)
	assert.NoError(t, v.Verify(payload, sig))
	assert.Equal(t, sig, v.Sign(payload))
	assert.ErrorIs(t, v.Verify([]byte(`{"confirmed":false}`), sig), ErrInvalidSignature)
}

func TestNewVerifier_UnknownSchemeFallsBack(t *testing.T) {
	v := NewVerifier("md5", "s")
	assert.Equal(t, SchemeHMACSHA256, v.scheme)
}
