package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound message types understood by the realtime backend.
const (
	MsgSessionUpdate  = "session.update"
	MsgAudioAppend    = "input_audio_buffer.append"
	MsgItemCreate     = "conversation.item.create"
	MsgItemTruncate   = "conversation.item.truncate"
	MsgResponseCreate = "response.create"
)

// SessionUpdate configures voice, audio formats, turn detection,
// instructions and tool definitions for a backend session.
type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionOpts `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection     `json:"turn_detection,omitempty"`
	Temperature             float64            `json:"temperature"`
	MaxResponseOutputTokens int                `json:"max_response_output_tokens,omitempty"`
	Tools                   []ToolDefinition   `json:"tools"`
}

type TranscriptionOpts struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  ToolParameters `json:"parameters"`
}

type ToolParameters struct {
	Type       string                  `json:"type"`
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required"`
}

type ToolProperty struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// AudioAppend forwards one base64 audio frame to the backend input buffer.
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

func NewAudioAppend(payloadBase64 string) AudioAppend {
	return AudioAppend{Type: MsgAudioAppend, Audio: payloadBase64}
}

// ItemCreate injects a conversation item, used for function call outputs.
type ItemCreate struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
	Role   string `json:"role,omitempty"`
}

func NewFunctionOutput(itemID, callID, output string) ItemCreate {
	return ItemCreate{
		Type: MsgItemCreate,
		Item: ConversationItem{
			ID:     itemID,
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ItemTruncate cuts off an in-flight assistant response on barge-in.
type ItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int    `json:"audio_end_ms,omitempty"`
}

func NewItemTruncate(itemID string, audioEndMS int) ItemTruncate {
	return ItemTruncate{Type: MsgItemTruncate, ItemID: itemID, AudioEndMS: audioEndMS}
}

// ResponseCreate asks the backend to generate the next response. It must
// follow every function call output or the conversation stalls.
type ResponseCreate struct {
	Type string `json:"type"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: MsgResponseCreate}
}

// Inbound backend event variants.
type (
	// AudioDelta carries one chunk of synthesized speech.
	AudioDelta struct {
		ItemID string
		Delta  string
	}

	// TranscriptDone reports the finished assistant transcript.
	TranscriptDone struct {
		Transcript string
	}

	// InputTranscriptionDone reports the caller's transcribed speech.
	InputTranscriptionDone struct {
		Transcript string
	}

	SpeechStarted struct {
		AudioStartMS int
	}

	SpeechStopped struct{}

	// FunctionCallDone is a completed tool invocation request.
	FunctionCallDone struct {
		CallID    string
		Name      string
		Arguments string
	}

	// ItemCreated tracks conversation items; assistant items feed barge-in.
	ItemCreated struct {
		ItemID string
		Role   string
	}

	ResponseDone struct{}

	SessionCreated struct{}

	// BackendError is an error event from the backend.
	BackendError struct {
		Code    string
		Message string
	}

	// UnknownBackendEvent preserves the type tag of events the bridge does
	// not act on, so callers can log them.
	UnknownBackendEvent struct {
		EventType string
	}
)

type backendEnvelope struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Arguments    string `json:"arguments"`
	AudioStartMS int    `json:"audio_start_ms"`
	Item         struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"item"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseBackendEvent decodes one inbound backend event into its typed
// variant. Unknown event types are not an error; the stream carries many
// informational events the bridge only logs.
func ParseBackendEvent(raw []byte) (any, error) {
	var env backendEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid backend event: %w", err)
	}

	switch env.Type {
	case "response.audio.delta":
		return AudioDelta{ItemID: env.ItemID, Delta: env.Delta}, nil
	case "response.audio_transcript.done":
		return TranscriptDone{Transcript: env.Transcript}, nil
	case "conversation.item.input_audio_transcription.completed":
		return InputTranscriptionDone{Transcript: env.Transcript}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{AudioStartMS: env.AudioStartMS}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStopped{}, nil
	case "response.function_call_arguments.done":
		return FunctionCallDone{CallID: env.CallID, Name: env.Name, Arguments: env.Arguments}, nil
	case "conversation.item.created":
		return ItemCreated{ItemID: env.Item.ID, Role: env.Item.Role}, nil
	case "response.done":
		return ResponseDone{}, nil
	case "session.created":
		return SessionCreated{}, nil
	case "error":
		return BackendError{Code: env.Error.Code, Message: env.Error.Message}, nil
	default:
		return UnknownBackendEvent{EventType: env.Type}, nil
	}
}
