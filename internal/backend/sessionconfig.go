package backend

import (
	"github.com/applova/voiceplate/internal/config"
	"github.com/applova/voiceplate/internal/protocol"
)

// DefaultInstructions is the system prompt sent in the configure message.
// It pushes the assistant toward short phone-friendly answers and forces
// tool calls for anything menu, business or promotion related.
const DefaultInstructions = `You are a friendly and professional AI call assistant for a restaurant.

PHONE CONVERSATION STYLE:
- Keep responses short and conversational, one or two sentences.
- Sound natural and friendly, like helpful restaurant staff.
- Use simple, clear language that is easy to understand over the phone.

FUNCTION CALLING RULES:
You must call a function for any business-related question. Never guess
and never say you don't know.
1. Menu questions (items, prices, food, drinks): call get_menu_information first.
2. Business questions (hours, delivery, location, contact): call get_business_information first.
3. Promotion questions (deals, discounts, offers, coupons): call get_promotion_information first.

After a function returns, answer using the exact data it provided. Never
invent menu items, prices, hours or promotions.`

// ToolDefinitions returns the function tools advertised to the backend.
func ToolDefinitions() []protocol.ToolDefinition {
	queryParam := func(desc string) protocol.ToolParameters {
		return protocol.ToolParameters{
			Type: "object",
			Properties: map[string]protocol.ToolProperty{
				"query": {Type: "string", Description: desc},
			},
			Required: []string{"query"},
		}
	}
	return []protocol.ToolDefinition{
		{
			Type:        "function",
			Name:        "get_menu_information",
			Description: "Fetch current menu items, prices, and categories from the restaurant's menu API. Use this when customers ask about food, drinks, menu items, prices, or what's available.",
			Parameters:  queryParam("The customer's menu-related question or search term"),
		},
		{
			Type:        "function",
			Name:        "get_business_information",
			Description: "Fetch current business information including store hours, delivery hours, contact info, and location details. Use this when customers ask about opening hours, closing times, delivery, location, or contact information.",
			Parameters:  queryParam("The customer's business-related question"),
		},
		{
			Type:        "function",
			Name:        "get_promotion_information",
			Description: "Fetch current promotions, deals, discounts, and special offers. Use this when customers ask about promotions, deals, discounts, coupons, or special offers.",
			Parameters:  queryParam("The customer's promotion-related question"),
		},
	}
}

// BuildSessionUpdate assembles the configure message for a new backend
// connection from runtime settings.
func BuildSessionUpdate(cfg config.Config) protocol.SessionUpdate {
	var turnDetection *protocol.TurnDetection
	if cfg.TurnDetection != "" && cfg.TurnDetection != "none" {
		turnDetection = &protocol.TurnDetection{
			Type:              cfg.TurnDetection,
			Threshold:         0.5,
			PrefixPaddingMS:   300,
			SilenceDurationMS: 500,
		}
	}
	return protocol.SessionUpdate{
		Type: protocol.MsgSessionUpdate,
		Session: protocol.SessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            DefaultInstructions,
			Voice:                   cfg.RealtimeVoice,
			InputAudioFormat:        cfg.InputAudioFormat,
			OutputAudioFormat:       cfg.OutputAudioFormat,
			InputAudioTranscription: &protocol.TranscriptionOpts{Model: "whisper-1"},
			TurnDetection:           turnDetection,
			Temperature:             cfg.Temperature,
			MaxResponseOutputTokens: cfg.MaxResponseTokens,
			Tools:                   ToolDefinitions(),
		},
	}
}
