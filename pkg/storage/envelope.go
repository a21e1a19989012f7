// Every stored value is wrapped in a JSON envelope of exactly three fields:
//
//	{"data": <value>, "timestamp": <write time, ms since epoch>, "ttl": <lifetime in ms, optional>}
//
// The layout matches what browser-side storage of the CRM writes, so entries written by either side can be read by
// the other. There is no version field; a payload that doesn't decode into this shape is a corrupt entry.

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var errCorruptEnvelope = errors.New("corrupt storage envelope")

// envelope is the decoded form of a stored item.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`     // Write time in ms since epoch.
	TTL       *int64          `json:"ttl,omitempty"` // Lifetime in ms; nil or <= 0 never expires.
}

// newEnvelope marshals `value` into an envelope written at `now`.
func newEnvelope(value any, now time.Time, ttl time.Duration) (envelope, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return envelope{}, fmt.Errorf("failed to marshal value: %w", err)
	}
	env := envelope{Data: data, Timestamp: now.UnixMilli()}
	if ttl > 0 {
		ttlMillis := ttl.Milliseconds()
		env.TTL = &ttlMillis
	}
	return env, nil
}

// parseEnvelope decodes a stored payload. Anything that isn't an object with a `data` field is corrupt.
func parseEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: %w", errCorruptEnvelope, err)
	}
	if env.Data == nil {
		return envelope{}, fmt.Errorf("%w: missing data", errCorruptEnvelope)
	}
	return env, nil
}

func (e envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

// isExpired reports whether more than TTL milliseconds passed since the write.
func (e envelope) isExpired(now time.Time) bool {
	if e.TTL == nil || *e.TTL <= 0 {
		return false
	}
	return now.UnixMilli()-e.Timestamp > *e.TTL
}
