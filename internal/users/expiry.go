package users

import (
	"encoding/json"
	"fmt"
	"time"
)

// Expiry says when a cache entry stops being valid: never, or a fixed
// duration after it was cached. The zero value is Never.
type Expiry struct {
	expires bool
	ttl     time.Duration
}

// Never returns an expiry that keeps entries forever.
func Never() Expiry { return Expiry{} }

// After returns an expiry of the given duration past the cache time.
func After(d time.Duration) Expiry { return Expiry{expires: true, ttl: d} }

// FromTTL maps a configured TTL to an expiry: zero means never expires.
func FromTTL(d time.Duration) Expiry {
	if d <= 0 {
		return Never()
	}
	return After(d)
}

// Expired reports whether an entry cached at cachedAt is stale at now.
func (e Expiry) Expired(cachedAt, now time.Time) bool {
	return e.expires && now.After(cachedAt.Add(e.ttl))
}

type expiryJSON struct {
	Mode string `json:"mode"`
	TTL  string `json:"ttl,omitempty"`
}

// MarshalJSON encodes the expiry as {"mode":"never"} or
// {"mode":"after","ttl":"1h0m0s"}.
func (e Expiry) MarshalJSON() ([]byte, error) {
	if !e.expires {
		return json.Marshal(expiryJSON{Mode: "never"})
	}
	return json.Marshal(expiryJSON{Mode: "after", TTL: e.ttl.String()})
}

// UnmarshalJSON decodes the expiry envelope.
func (e *Expiry) UnmarshalJSON(data []byte) error {
	var raw expiryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Mode {
	case "", "never":
		*e = Never()
	case "after":
		d, err := time.ParseDuration(raw.TTL)
		if err != nil {
			return fmt.Errorf("parse expiry ttl: %w", err)
		}
		*e = After(d)
	default:
		return fmt.Errorf("unknown expiry mode %q", raw.Mode)
	}
	return nil
}
