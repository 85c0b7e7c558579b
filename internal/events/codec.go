package events

import (
	"encoding/json"
	"fmt"
	"time"
)

const discriminator = "@type"

type header struct {
	Kind         Kind      `json:"@type"`
	CreationDate time.Time `json:"creationDate"`
	TTL          *int      `json:"ttl"`
}

// Marshal encodes e as a flat JSON object: the discriminator, creationDate,
// ttl and the payload fields.
func Marshal(e *Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("cannot marshal event without payload")
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Kind(), err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("payload %s is not a JSON object: %w", e.Kind(), err)
	}

	ttl := e.TTL
	head, err := json.Marshal(header{Kind: e.Kind(), CreationDate: e.CreationDate, TTL: &ttl})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event header: %w", err)
	}
	if err := json.Unmarshal(head, &fields); err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}

func newPayload(kind Kind) (Payload, bool) {
	switch kind {
	case KindTaskCreation:
		return &CreationPayload{}, true
	case KindProgress:
		return &ProgressPayload{}, true
	case KindResult:
		return &ResultPayload{}, true
	case KindError:
		return &ErrorPayload{}, true
	case KindCancel:
		return &CancelPayload{}, true
	case KindCanceled:
		return &CanceledPayload{}, true
	case KindStatusUpdate:
		return &StatusUpdatePayload{}, true
	case KindProgressSignal:
		return &ProgressSignalPayload{}, true
	case KindShutdown:
		return &ShutdownPayload{}, true
	case KindMonitoring:
		return &MonitoringPayload{}, true
	}
	return nil, false
}

// deref turns the decoding target back into the value variant.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *CreationPayload:
		return *v
	case *ProgressPayload:
		return *v
	case *ResultPayload:
		return *v
	case *ErrorPayload:
		return *v
	case *CancelPayload:
		return *v
	case *CanceledPayload:
		return *v
	case *StatusUpdatePayload:
		return *v
	case *ProgressSignalPayload:
		return *v
	case *ShutdownPayload:
		return *v
	case *MonitoringPayload:
		return *v
	}
	return p
}

// Unmarshal decodes an event, switching on the discriminator. Every failure
// wraps ErrMalformed.
func Unmarshal(data []byte) (*Event, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if h.Kind == "" {
		return nil, fmt.Errorf("%w: missing %s field", ErrMalformed, discriminator)
	}
	payload, ok := newPayload(h.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownKind, h.Kind)
	}
	ttl := 0
	if h.TTL != nil {
		ttl = *h.TTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformed, ErrNegativeTTL, ttl)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformed, h.Kind, err)
	}

	e := &Event{CreationDate: h.CreationDate, TTL: ttl, Payload: deref(payload)}
	if cp, ok := e.Payload.(CreationPayload); ok && cp.Task == nil {
		return nil, fmt.Errorf("%w: creation event without task", ErrMalformed)
	}
	return e, nil
}
