package transport

import "testing"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"mark","name":"chunk-7"}`))
	if err != nil {
		t.Fatalf("parsing mark frame: %v", err)
	}
	if msg.Type != MessageTypeMark || msg.Name != "chunk-7" {
		t.Errorf("unexpected message %+v", msg)
	}

	msg, err = ParseMessage([]byte(`{"type":"init","meta_data":{"caller":"+15550100"}}`))
	if err != nil {
		t.Fatalf("parsing init frame: %v", err)
	}
	if msg.MetaData["caller"] != "+15550100" {
		t.Errorf("init metadata lost: %+v", msg)
	}

	if _, err := ParseMessage([]byte("not json")); err == nil {
		t.Errorf("expected malformed frames to error")
	}
}
