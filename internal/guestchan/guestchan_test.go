package guestchan

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadMessageRoundTrips(t *testing.T) {
	want := NewSleepPrep(30)
	var buf bytes.Buffer
	if err := WriteMessage(&buf, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var got Message
	if err := ReadMessage(bufio.NewReader(&buf), &got); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != TypeSleepPrep || got.SleepPrep == nil || got.SleepPrep.DrainTimeoutSecs != 30 {
		t.Errorf("round trip mismatch: got %+v", got)
	}
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	big := Message{Type: TypeCheckpointIntegrations, CheckpointIntegrations: &CheckpointIntegrations{
		Integrations: make([]string, 0),
	}}
	// Pad one element to exceed MaxMessageBytes.
	huge := strings.Repeat("x", MaxMessageBytes+1)
	big.CheckpointIntegrations.Integrations = []string{huge}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, big); err == nil {
		t.Fatal("expected WriteMessage to reject a payload over MaxMessageBytes")
	}
}

func TestReadMessageRejectsGarbageLengthPrefix(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	var got Message
	if err := ReadMessage(bufio.NewReader(buf), &got); err == nil {
		t.Fatal("expected ReadMessage to reject a length prefix larger than MaxMessageBytes")
	}
}

func TestReadMessageRejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	var got Message
	if err := ReadMessage(bufio.NewReader(buf), &got); err == nil {
		t.Fatal("expected ReadMessage to reject a zero-length frame")
	}
}

func TestReadMessageRejectsUnknownFields(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, map[string]any{"type": "SleepPrep", "bogus_field": true})

	var got Message
	if err := ReadMessage(bufio.NewReader(&buf), &got); err == nil {
		t.Fatal("expected ReadMessage to reject an unknown field")
	}
}

func TestReadMessageRejectsTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, NewWake())
	truncated := bytes.NewBuffer(buf.Bytes()[:buf.Len()-1])

	var got Message
	if err := ReadMessage(bufio.NewReader(truncated), &got); err == nil {
		t.Fatal("expected ReadMessage to fail on a truncated frame body")
	}
}

func TestNewWakeHasNoPayload(t *testing.T) {
	msg := NewWake()
	if msg.Type != TypeWake {
		t.Errorf("Type = %q, want %q", msg.Type, TypeWake)
	}
}

func TestNewIntegrationStatusQueryHasNoPayload(t *testing.T) {
	msg := NewIntegrationStatusQuery()
	if msg.Type != TypeIntegrationStatus {
		t.Errorf("Type = %q, want %q", msg.Type, TypeIntegrationStatus)
	}
}

func TestNewWorkerReadyQueryHasNoPayload(t *testing.T) {
	msg := NewWorkerReadyQuery()
	if msg.Type != TypeWorkerReady {
		t.Errorf("Type = %q, want %q", msg.Type, TypeWorkerReady)
	}
}

func TestNewCheckpointIntegrationsCarriesNames(t *testing.T) {
	msg := NewCheckpointIntegrations([]string{"billing", "search"})
	if msg.Type != TypeCheckpointIntegrations {
		t.Errorf("Type = %q, want %q", msg.Type, TypeCheckpointIntegrations)
	}
	if msg.CheckpointIntegrations == nil || len(msg.CheckpointIntegrations.Integrations) != 2 {
		t.Errorf("expected 2 integration names, got %+v", msg.CheckpointIntegrations)
	}
}
