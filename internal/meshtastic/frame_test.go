package meshtastic

import (
	"bytes"
	"testing"
)

func TestStreamFramer_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writer := NewStreamFramer(nil, &buf)

	payload := []byte("hello mesh")
	if err := writer.WritePacket(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := NewStreamFramer(bytes.NewReader(buf.Bytes()), nil)
	got, err := reader.ReadPacket()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestStreamFramer_ResyncsPastGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x01, 0x02}) // garbage before the frame
	writer := NewStreamFramer(nil, &buf)
	if err := writer.WritePacket([]byte("ok")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := NewStreamFramer(bytes.NewReader(buf.Bytes()), nil)
	got, err := reader.ReadPacket()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "ok" {
		t.Fatalf("expected 'ok', got %q", got)
	}
}

func TestPortNum_IsCoreHandled(t *testing.T) {
	if !PortNumTextMessageApp.IsCoreHandled() {
		t.Fatal("text messages should be core-handled")
	}
	if PortNumPositionApp.IsCoreHandled() {
		t.Fatal("position should not be core-handled")
	}
}

func TestPortNum_IsTelemetryLike(t *testing.T) {
	for _, p := range []PortNum{PortNumDetectionSensorApp, PortNumPositionApp, PortNumTelemetryApp} {
		if !p.IsTelemetryLike() {
			t.Fatalf("%v should be telemetry-like", p)
		}
	}
	if PortNumTextMessageApp.IsTelemetryLike() {
		t.Fatal("text should not be telemetry-like")
	}
}
