package cache

import (
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"

	"github.com/zeebo/xxh3"
)

// DefaultVolatileKeys are payload fields that differ between otherwise
// identical requests and are excluded from the key.
var DefaultVolatileKeys = []string{"timestamp", "request_id", "nonce", "ts"}

type keyEnvelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	TTLms   int64  `json:"ttl_ms"`
}

// Key derives the content address of a request: xxh3-128 over the canonical
// JSON of {type, payload minus volatile keys, ttl}. encoding/json sorts map
// keys at every nesting level, so equal payloads hash equally regardless of
// field order. Payloads that cannot be encoded yield "" and are not cached.
func Key(requestType string, payload any, ttl time.Duration, volatile []string) string {
	env := keyEnvelope{
		Type:    requestType,
		Payload: canonicalize(payload, volatile),
		TTLms:   ttl.Milliseconds(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return ""
	}
	h := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(h[:])
}

// canonicalize round-trips payload through JSON to obtain plain maps and
// slices, then strips volatile keys at every depth.
func canonicalize(payload any, volatile []string) any {
	raw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return payload
	}
	return strip(generic, volatile)
}

func strip(v any, volatile []string) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			if slices.Contains(volatile, k) {
				delete(t, k)
				continue
			}
			t[k] = strip(inner, volatile)
		}
		return t
	case []any:
		for i := range t {
			t[i] = strip(t[i], volatile)
		}
		return t
	default:
		return v
	}
}
