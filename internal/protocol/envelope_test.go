package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestDecodeLogin verifies a well-formed login frame decodes with its target.
func TestDecodeLogin(t *testing.T) {
	env, err := Decode([]byte(`{"type":"login","msg":"","target":{"id":"1","name":"Alice"}}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if env.Type != TypeLogin {
		t.Errorf("Expected type login, got %s", env.Type)
	}
	if env.Target == nil || env.Target.ID != "1" || env.Target.Name != "Alice" {
		t.Errorf("Unexpected target: %+v", env.Target)
	}
	if env.Roster != nil {
		t.Errorf("Expected nil roster, got %v", env.Roster)
	}
}

// TestDecodeRejectsMalformedFrames covers every structural failure the codec
// must reject as a whole.
func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"invalid json", `{"type":"public",`},
		{"not an object", `["public","hi"]`},
		{"missing type", `{"msg":"hi"}`},
		{"null type", `{"type":null,"msg":"hi"}`},
		{"missing msg", `{"type":"public"}`},
		{"null msg", `{"type":"public","msg":null}`},
		{"unknown type", `{"type":"shout","msg":"hi"}`},
		{"numeric type", `{"type":5,"msg":"hi"}`},
		{"uppercase type", `{"type":"PUBLIC","msg":"hi"}`},
		{"target is a string", `{"type":"private","msg":"hi","target":"2"}`},
		{"target without id", `{"type":"private","msg":"hi","target":{"name":"Bob"}}`},
		{"target without name", `{"type":"private","msg":"hi","target":{"id":"2"}}`},
		{"list is an object", `{"type":"public","msg":"hi","list":{}}`},
		{"list with null entry", `{"type":"public","msg":"hi","list":[null]}`},
		{"trailing data", `{"type":"public","msg":"hi"} {}`},
		{"trailing brace", `{"type":"public","msg":"hi"}}`},
		{"empty frame", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if err == nil {
				t.Fatalf("Expected decode error for %q", tt.frame)
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) {
				t.Errorf("Expected *DecodeError, got %T", err)
			}
		})
	}
}

// TestDecodeIgnoresUnknownFields verifies extra top-level fields do not fail
// an otherwise valid frame.
func TestDecodeIgnoresUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"public","msg":"hi","target":null,"extra":true}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if env.Type != TypePublic || env.Message != "hi" || env.Target != nil {
		t.Errorf("Unexpected envelope: %+v", env)
	}
}

// TestDecodeDoesNotValidateSemantics verifies a private envelope without a
// target still decodes; routing decides what to do with it.
func TestDecodeDoesNotValidateSemantics(t *testing.T) {
	env, err := Decode([]byte(`{"type":"private","msg":"psst"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if env.Type != TypePrivate || env.Target != nil {
		t.Errorf("Unexpected envelope: %+v", env)
	}
}

// TestEncodeWireShape verifies field names and null handling on the wire.
func TestEncodeWireShape(t *testing.T) {
	data, err := Encode(NewError("invalid format"))
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if got, want := string(data), `{"type":"error","msg":"invalid format","target":null,"list":null}`; got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	env := New(TypeLogout, Identity{ID: "2", Name: "Bob"}, "Bob left the chat room")
	env.Roster = []Identity{{ID: "1", Name: "Alice"}}
	data, err = Encode(env)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Encoded envelope is not JSON: %v", err)
	}
	if wire["type"] != "logout" {
		t.Errorf("Expected type logout, got %v", wire["type"])
	}
	target, ok := wire["target"].(map[string]any)
	if !ok || target["id"] != "2" || target["name"] != "Bob" {
		t.Errorf("Unexpected target on the wire: %v", wire["target"])
	}
	list, ok := wire["list"].([]any)
	if !ok || len(list) != 1 {
		t.Errorf("Unexpected list on the wire: %v", wire["list"])
	}
}

// TestEncodeUnknownType verifies a zero-valued envelope cannot be encoded.
func TestEncodeUnknownType(t *testing.T) {
	if _, err := Encode(Envelope{}); err == nil {
		t.Error("Expected error encoding an envelope without a type")
	}
}

// TestTypeNames verifies every declared type survives a text round trip.
func TestTypeNames(t *testing.T) {
	for typ, name := range typeNames {
		text, err := typ.MarshalText()
		if err != nil || string(text) != name {
			t.Errorf("MarshalText(%d) = %q, %v", typ, text, err)
		}
		var back Type
		if err := back.UnmarshalText(text); err != nil || back != typ {
			t.Errorf("UnmarshalText(%q) = %d, %v", text, back, err)
		}
	}
}
