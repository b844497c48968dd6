package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// TelephonyEventType identifies media stream payload variants.
type TelephonyEventType string

const (
	TelephonyConnected TelephonyEventType = "connected"
	TelephonyStart     TelephonyEventType = "start"
	TelephonyMedia     TelephonyEventType = "media"
	TelephonyStop      TelephonyEventType = "stop"
	TelephonyMark      TelephonyEventType = "mark"
	TelephonyClear     TelephonyEventType = "clear"
)

var ErrUnsupportedTelephonyEvent = errors.New("unsupported telephony event")

type telephonyEnvelope struct {
	Event TelephonyEventType `json:"event"`
}

// ConnectedEvent is the handshake message sent once per websocket.
type ConnectedEvent struct {
	Event    TelephonyEventType `json:"event"`
	Protocol string             `json:"protocol,omitempty"`
}

// StartEvent carries call identity once the media stream begins.
type StartEvent struct {
	Event     TelephonyEventType `json:"event"`
	StreamSID string             `json:"streamSid"`
	Start     StartDetails       `json:"start"`
}

type StartDetails struct {
	CallSID string   `json:"callSid"`
	Tracks  []string `json:"tracks"`
}

// Track returns the first announced track, defaulting to inbound.
func (e StartEvent) Track() string {
	if len(e.Start.Tracks) == 0 {
		return "inbound"
	}
	return e.Start.Tracks[0]
}

// MediaEvent carries one base64 audio frame.
type MediaEvent struct {
	Event     TelephonyEventType `json:"event"`
	StreamSID string             `json:"streamSid"`
	Media     MediaPayload       `json:"media"`
}

type MediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type StopEvent struct {
	Event     TelephonyEventType `json:"event"`
	StreamSID string             `json:"streamSid"`
}

type MarkEvent struct {
	Event     TelephonyEventType `json:"event"`
	StreamSID string             `json:"streamSid"`
	Mark      MarkDetails        `json:"mark"`
}

type MarkDetails struct {
	Name string `json:"name"`
}

// ClearEvent asks the telephony side to drop buffered outbound audio.
// Sent on barge-in so the caller stops hearing the truncated response.
type ClearEvent struct {
	Event     TelephonyEventType `json:"event"`
	StreamSID string             `json:"streamSid"`
}

// NewOutboundMedia builds an outbound audio frame tagged with the stream id.
func NewOutboundMedia(streamSID, payloadBase64 string) MediaEvent {
	return MediaEvent{
		Event:     TelephonyMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: payloadBase64},
	}
}

func NewClear(streamSID string) ClearEvent {
	return ClearEvent{Event: TelephonyClear, StreamSID: streamSID}
}

// ParseTelephonyMessage decodes one inbound media stream message into its
// typed variant. Decoding happens once here; downstream code switches on
// concrete types instead of string-keyed maps.
func ParseTelephonyMessage(raw []byte) (any, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid telephony envelope: %w", err)
	}

	switch env.Event {
	case TelephonyConnected:
		var msg ConnectedEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TelephonyStart:
		var msg StartEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSID == "" || msg.Start.CallSID == "" {
			return nil, errors.New("start event missing stream or call sid")
		}
		return msg, nil
	case TelephonyMedia:
		var msg MediaEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TelephonyStop:
		var msg StopEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TelephonyMark:
		var msg MarkEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedTelephonyEvent
	}
}
