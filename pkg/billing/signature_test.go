package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_1","type":"customer.created"}`)
	valid := SignPayload(payload, "whsec_test", now)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		now     time.Time
		wantErr error
	}{
		{name: "valid", payload: payload, header: valid, secret: "whsec_test", now: now},
		{name: "within tolerance", payload: payload, header: valid, secret: "whsec_test", now: now.Add(4 * time.Minute)},
		{name: "missing header", payload: payload, header: "", secret: "whsec_test", now: now, wantErr: ErrMissingSignature},
		{name: "no v1", payload: payload, header: "t=123", secret: "whsec_test", now: now, wantErr: ErrInvalidSignatureHeader},
		{name: "bad timestamp", payload: payload, header: "t=abc,v1=00", secret: "whsec_test", now: now, wantErr: ErrInvalidSignatureHeader},
		{name: "wrong secret", payload: payload, header: valid, secret: "whsec_other", now: now, wantErr: ErrSignatureMismatch},
		{name: "tampered payload", payload: []byte(`{"id":"evt_2"}`), header: valid, secret: "whsec_test", now: now, wantErr: ErrSignatureMismatch},
		{name: "expired", payload: payload, header: valid, secret: "whsec_test", now: now.Add(10 * time.Minute), wantErr: ErrSignatureExpired},
		{name: "extra signature", payload: payload, header: valid + ",v1=deadbeef", secret: "whsec_test", now: now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.payload, tt.header, tt.secret, 5*time.Minute, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifySignature_ZeroToleranceSkipsTimestamp(t *testing.T) {
	payload := []byte(`{}`)
	header := SignPayload(payload, "s", time.Unix(0, 0))
	assert.NoError(t, VerifySignature(payload, header, "s", 0, time.Now()))
}
