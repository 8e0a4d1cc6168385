package message

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeJSONSkipsChannels(t *testing.T) {
	env := &Envelope{
		Type:   ActionExecute,
		ID:     7,
		Method: "Increment",
		Args:   []Arg{{Type: ArgJSON, Value: json.RawMessage(`5`)}},
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal envelope: %v", err)
	}
	if decoded.Type != ActionExecute || decoded.ID != 7 || decoded.Method != "Increment" {
		t.Fatalf("unexpected envelope: %+v", decoded)
	}
	if string(decoded.Args[0].Value) != "5" {
		t.Fatalf("expect arg 5, got %s", decoded.Args[0].Value)
	}
	if decoded.Channel(0) != nil {
		t.Fatalf("channels must never be encoded")
	}
}

func TestIsResponse(t *testing.T) {
	if !ActionExecuted.IsResponse() || !ActionOwnData.IsResponse() {
		t.Fatal("replies must be responses")
	}
	if ActionExecute.IsResponse() || ActionDestroyedByForce.IsResponse() {
		t.Fatal("requests and unsolicited notices are not responses")
	}
}

func TestBufferDetach(t *testing.T) {
	buf := NewBuffer([]byte("payload"))
	if buf.Len() != 7 {
		t.Fatalf("expect len 7, got %d", buf.Len())
	}

	data, err := buf.Detach()
	if err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expect payload, got %q", data)
	}

	if _, err := buf.Bytes(); err != ErrDetached {
		t.Fatalf("expect ErrDetached, got %v", err)
	}
	if _, err := buf.Detach(); err != ErrDetached {
		t.Fatalf("second detach must fail, got %v", err)
	}
	if !buf.Detached() || buf.Len() != 0 {
		t.Fatal("detached buffer must report empty")
	}
}
