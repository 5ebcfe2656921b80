package router

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/intent-realtime/internal/model"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
)

// Inbound frame types.
const (
	TypePong         = "pong"
	TypeIntentUpdate = "intent_update"
)

// RouterConfig holds configuration for the Update Router.
type RouterConfig struct {
	// JournalBufferSize is the initial capacity of the journal queue.
	// 0 disables the journal output.
	JournalBufferSize int
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{}
}

// Inbound is a decoded server frame: Pong or IntentUpdate.
type Inbound interface {
	inbound()
}

// Pong answers a heartbeat ping.
type Pong struct{}

// IntentUpdate reports that an intent changed on the server.
type IntentUpdate struct {
	Payload   IntentUpdatePayload
	Timestamp string          // ISO-8601 as sent, may be empty
	Data      json.RawMessage // the raw data object
}

func (Pong) inbound()         {}
func (IntentUpdate) inbound() {}

// IntentUpdatePayload is the data object of an intent_update frame.
type IntentUpdatePayload struct {
	IntentID              string                  `json:"intent_id"`
	Status                model.IntentStatus      `json:"status"`
	Content               *string                 `json:"content,omitempty"`
	Response              *string                 `json:"response,omitempty"`
	ContradictionDetected bool                    `json:"contradiction_detected,omitempty"`
	ContradictionID       string                  `json:"contradiction_id,omitempty"`
	ReEvaluationPhase     model.ReEvaluationPhase `json:"re_evaluation_phase,omitempty"`
}

// Wire types for JSON parsing

// messageEnvelope is used for type extraction.
type messageEnvelope struct {
	Type string `json:"type"`
}

// intentUpdateWire is the wire format for intent_update frames.
type intentUpdateWire struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Inbound, error) {
	var envelope messageEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch envelope.Type {
	case TypePong:
		return Pong{}, nil

	case TypeIntentUpdate:
		var wire intentUpdateWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if len(wire.Data) == 0 || string(wire.Data) == "null" {
			return nil, fmt.Errorf("%w: intent_update without data", ErrMalformedFrame)
		}

		var payload IntentUpdatePayload
		if err := json.Unmarshal(wire.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: data: %v", ErrMalformedFrame, err)
		}
		if payload.IntentID == "" {
			return nil, fmt.Errorf("%w: intent_update without intent_id", ErrMalformedFrame)
		}

		return IntentUpdate{
			Payload:   payload,
			Timestamp: wire.Timestamp,
			Data:      wire.Data,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
}
