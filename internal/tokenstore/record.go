package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// naiveTimeLayouts are accepted for issued_at values written without a zone offset.
// Such timestamps are interpreted as UTC.
var naiveTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// MaxExpiresIn caps token lifetimes so issued_at + expires_in stays representable.
const MaxExpiresIn int64 = 10 * 365 * 24 * 60 * 60

// ClampExpiresIn bounds a lifetime in seconds to [0, MaxExpiresIn].
func ClampExpiresIn(seconds int64) int64 {
	return min(max(seconds, 0), MaxExpiresIn)
}

// Record is the persisted OAuth credential unit.
// A Record is never modified after creation; a refresh produces a new one.
type Record struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime in seconds at issuance time.
	ExpiresIn int64
	IssuedAt  time.Time
}

// recordJSON is the on-disk shape of a Record.
type recordJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IssuedAt     string `json:"issued_at,omitempty"`
}

// ExpiresAt returns the instant the access token stops being valid.
func (r Record) ExpiresAt() time.Time {
	return r.IssuedAt.Add(time.Duration(ClampExpiresIn(r.ExpiresIn)) * time.Second)
}

// IsExpired reports whether the access token is expired at now.
// A token expiring exactly at now is expired.
func (r Record) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt())
}

// OAuth2Token converts the record for use with oauth2.Transport.
func (r Record) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: r.RefreshToken,
		Expiry:       r.ExpiresAt(),
	}
}

func (r Record) validate() error {
	if r.AccessToken == "" {
		return errors.New("missing access_token")
	}
	if r.RefreshToken == "" {
		return errors.New("missing refresh_token")
	}
	return nil
}

// MarshalJSON encodes the record with issued_at as an RFC 3339 UTC timestamp.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
	}
	if !r.IssuedAt.IsZero() {
		out.IssuedAt = r.IssuedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a record and rejects records without credentials.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	issuedAt, err := parseIssuedAt(in.IssuedAt)
	if err != nil {
		return err
	}

	decoded := Record{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		ExpiresIn:    ClampExpiresIn(in.ExpiresIn),
		IssuedAt:     issuedAt,
	}
	if err := decoded.validate(); err != nil {
		return err
	}

	*r = decoded
	return nil
}

func parseIssuedAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid issued_at %q", s)
}
