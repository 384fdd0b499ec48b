package tokenstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIsExpired(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record := Record{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600, IssuedAt: issued}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"at issuance", issued, false},
		{"one second before expiry", issued.Add(3599 * time.Second), false},
		{"exactly at expiry", issued.Add(time.Hour), true},
		{"after expiry", issued.Add(2 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, record.IsExpired(tt.now))
		})
	}
}

func TestRecordZeroValuesAreExpired(t *testing.T) {
	record := Record{AccessToken: "at", RefreshToken: "rt"}
	assert.True(t, record.IsExpired(time.Now()))
}

func TestRecordJSONShape(t *testing.T) {
	record := Record{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		ExpiresIn:    3600,
		IssuedAt:     time.Date(2025, 6, 1, 14, 0, 0, 0, time.FixedZone("CEST", 2*60*60)),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"access_token": "at1",
		"refresh_token": "rt1",
		"expires_in": 3600,
		"issued_at": "2025-06-01T12:00:00Z"
	}`, string(data))
}

func TestRecordOAuth2Token(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tok := Record{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 60, IssuedAt: issued}.OAuth2Token()

	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.Type())
	assert.Equal(t, issued.Add(time.Minute), tok.Expiry)
}

func TestRecordHugeLifetimeIsClamped(t *testing.T) {
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record := Record{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 10_000_000_000, IssuedAt: issued}

	assert.Equal(t, issued.Add(time.Duration(MaxExpiresIn)*time.Second), record.ExpiresAt())
	assert.False(t, record.IsExpired(issued.Add(time.Hour)))
}

func TestRecordUnmarshalClampsLifetime(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn string
		want      int64
	}{
		{"in range", "3600", 3600},
		{"too large", "10000000000", MaxExpiresIn},
		{"negative", "-5", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var record Record
			data := `{"access_token": "at", "refresh_token": "rt", "expires_in": ` + tt.expiresIn + `, "issued_at": "2025-06-01T12:00:00Z"}`
			require.NoError(t, json.Unmarshal([]byte(data), &record))
			assert.Equal(t, tt.want, record.ExpiresIn)
		})
	}
}
