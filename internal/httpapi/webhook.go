package httpapi

import (
	"encoding/xml"
	"net/http"
)

// TwiML response types for the inbound voice webhook.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// handleVoiceWebhook answers the telephony provider's inbound call
// webhook with instructions to open a media stream back to this service.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	callSID := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")
	s.log.Info().Str("call_sid", callSID).Str("from", from).Msg("inbound call")

	streamURL := s.cfg.StreamWebsocketURL()
	if streamURL == "" {
		s.log.Error().Msg("no public base url configured, rejecting call")
		respondTwiML(w, twimlResponse{
			Say: &twimlSay{Text: "We are unable to take your call right now. Please try again later."},
		})
		return
	}

	respondTwiML(w, twimlResponse{
		Say:     &twimlSay{Text: "Please wait while we connect your call."},
		Connect: &twimlConnect{Stream: twimlStream{URL: streamURL}},
	})
}

// handleStreamStatus receives media stream status callbacks.
func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	s.log.Info().
		Str("call_sid", r.PostFormValue("CallSid")).
		Str("stream_sid", r.PostFormValue("StreamSid")).
		Str("stream_event", r.PostFormValue("StreamEvent")).
		Msg("stream status callback")
	w.WriteHeader(http.StatusNoContent)
}

func respondTwiML(w http.ResponseWriter, v twimlResponse) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(v)
}
