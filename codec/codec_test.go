package codec

import (
	"fmbridge/message"
	"testing"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	id := "call-42"
	original := &message.Request{
		ID:     &id,
		Method: message.MethodCreate,
		Params: []byte(`{"input":"Hi","stream":true}`),
	}

	data, err := Default.Encode(original)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var decoded message.Request
	if err := Default.Decode(data, &decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.ID == nil || *decoded.ID != id {
		t.Errorf("ID mismatch: got %v, want %s", decoded.ID, id)
	}
	if decoded.Method != original.Method {
		t.Errorf("Method mismatch: got %s, want %s", decoded.Method, original.Method)
	}
	if string(decoded.Params) != string(original.Params) {
		t.Errorf("Params mismatch: got %s, want %s", decoded.Params, original.Params)
	}
}
