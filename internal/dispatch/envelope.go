package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/jx"
)

// DefaultMaxPayloadBytes bounds the serialized envelope. Oversized payloads
// are a caller error and fail fast at publish time, before any delivery work.
const DefaultMaxPayloadBytes = 64 << 10

// Payload errors surfaced to the publisher.
var (
	ErrPayloadTooLarge = fmt.Errorf("serialized payload exceeds the maximum size")
	ErrInvalidPayload  = fmt.Errorf("payload must be valid JSON")
)

// encodeEnvelope serializes the delivery envelope with a fixed field order:
//
//	{"event":"sale.created","timestamp":"...","data":{...}}
//
// The encoding is deterministic, so the bytes a receiver reads are exactly
// the bytes the signature was computed over; nothing needs re-serializing on
// either side. A nil data payload is delivered as JSON null.
func encodeEnvelope(event string, ts time.Time, data json.RawMessage, maxBytes int) ([]byte, error) {
	if data != nil && !json.Valid(data) {
		return nil, ErrInvalidPayload
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("event", func(e *jx.Encoder) { e.Str(event) })
		e.Field("timestamp", func(e *jx.Encoder) { e.Str(ts.UTC().Format(time.RFC3339Nano)) })
		e.Field("data", func(e *jx.Encoder) {
			if data == nil {
				e.Null()
				return
			}
			e.Raw(data)
		})
	})

	buf := e.Bytes()
	if len(buf) > maxBytes {
		return nil, ErrPayloadTooLarge
	}
	return buf, nil
}
