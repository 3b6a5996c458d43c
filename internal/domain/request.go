package domain

import "encoding/json"

// GenerationRequest is the payload handed to the content-generation
// pipeline. Payload is opaque to the core; only the pipeline interprets it.
type GenerationRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Recipient string          `json:"recipient,omitempty"` // empty = generate only, no delivery
}
