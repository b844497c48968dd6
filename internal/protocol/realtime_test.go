package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseBackendEventAudioDelta(t *testing.T) {
	raw := []byte(`{"type":"response.audio.delta","item_id":"item_1","delta":"AQID"}`)
	ev, err := ParseBackendEvent(raw)
	if err != nil {
		t.Fatalf("ParseBackendEvent() error = %v", err)
	}
	delta, ok := ev.(AudioDelta)
	if !ok {
		t.Fatalf("event type = %T, want AudioDelta", ev)
	}
	if delta.ItemID != "item_1" || delta.Delta != "AQID" {
		t.Fatalf("unexpected delta: %+v", delta)
	}
}

func TestParseBackendEventFunctionCall(t *testing.T) {
	raw := []byte(`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"get_menu_information","arguments":"{\"query\":\"pizza\"}"}`)
	ev, err := ParseBackendEvent(raw)
	if err != nil {
		t.Fatalf("ParseBackendEvent() error = %v", err)
	}
	call, ok := ev.(FunctionCallDone)
	if !ok {
		t.Fatalf("event type = %T, want FunctionCallDone", ev)
	}
	if call.CallID != "call_1" || call.Name != "get_menu_information" {
		t.Fatalf("unexpected call: %+v", call)
	}
}

func TestParseBackendEventError(t *testing.T) {
	raw := []byte(`{"type":"error","error":{"code":"rate_limit_exceeded","message":"slow down"}}`)
	ev, err := ParseBackendEvent(raw)
	if err != nil {
		t.Fatalf("ParseBackendEvent() error = %v", err)
	}
	be, ok := ev.(BackendError)
	if !ok {
		t.Fatalf("event type = %T, want BackendError", ev)
	}
	if be.Code != "rate_limit_exceeded" {
		t.Fatalf("unexpected error event: %+v", be)
	}
}

func TestParseBackendEventUnknownIsNotAnError(t *testing.T) {
	ev, err := ParseBackendEvent([]byte(`{"type":"rate_limits.updated"}`))
	if err != nil {
		t.Fatalf("ParseBackendEvent() error = %v", err)
	}
	unknown, ok := ev.(UnknownBackendEvent)
	if !ok {
		t.Fatalf("event type = %T, want UnknownBackendEvent", ev)
	}
	if unknown.EventType != "rate_limits.updated" {
		t.Fatalf("unexpected event type %q", unknown.EventType)
	}
}

func TestFunctionOutputEncoding(t *testing.T) {
	raw, err := json.Marshal(NewFunctionOutput("fn_1", "call_1", "We have pizza."))
	if err != nil {
		t.Fatalf("marshal function output: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "conversation.item.create" {
		t.Fatalf("unexpected type %v", decoded["type"])
	}
	item, _ := decoded["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call_1" {
		t.Fatalf("unexpected item: %v", item)
	}
}

func BenchmarkParseBackendEventAudioDelta(b *testing.B) {
	raw := []byte(`{"type":"response.audio.delta","item_id":"item_1","delta":"AQIDBAUGBwgJCgsMDQ4P"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev, err := ParseBackendEvent(raw)
		if err != nil {
			b.Fatalf("ParseBackendEvent() error = %v", err)
		}
		if _, ok := ev.(AudioDelta); !ok {
			b.Fatalf("event type = %T, want AudioDelta", ev)
		}
	}
}
