package command

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestWireCommandRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWireWriter(&buf)

	sent := []HostCommand{
		{Seq: 1, Kind: HostActivate, SampleRate: 48000, BlockSize: 512},
		{Seq: 2, Kind: HostLoadPlugin, Path: "saw"},
		{Seq: 3, Kind: HostProcessBlock, Slot: 7},
		{Seq: 4, Kind: HostSetParam, ParamID: 12, Value: 0.75},
	}
	for _, c := range sent {
		if err := w.WriteCommand(c); err != nil {
			t.Fatal(err)
		}
	}

	r := NewWireReader(&buf)
	for i, want := range sent {
		got, err := r.ReadCommand()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("read %d: %+v, want %+v", i, got, want)
		}
	}
	if _, err := r.ReadCommand(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestWireEventRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWireWriter(&buf)

	sent := []PluginEvent{
		{ReSeq: 1, Kind: EventActivated},
		{ReSeq: 2, Kind: EventError, Code: ErrCodeLoadFailed, Message: "no such plugin"},
		{Kind: EventHeartbeat},
		{ReSeq: 3, Kind: EventProcessDone, Slot: 5},
	}
	for _, e := range sent {
		if err := w.WriteEvent(e); err != nil {
			t.Fatal(err)
		}
	}

	r := NewWireReader(&buf)
	for i, want := range sent {
		got, err := r.ReadEvent()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("read %d: %+v, want %+v", i, got, want)
		}
	}
}

func TestWirePayloadStaysOnOneLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWireWriter(&buf)
	if err := w.WriteCommand(HostCommand{Kind: HostLoadPlugin, Path: "a\nb\nc"}); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Fatalf("message spans %d lines", got)
	}

	got, err := NewWireReader(&buf).ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "a\nb\nc" {
		t.Fatalf("path %q", got.Path)
	}
}

func TestWireRejectsGarbage(t *testing.T) {
	r := NewWireReader(strings.NewReader("!!!not base64!!!\n"))
	if _, err := r.ReadCommand(); err == nil {
		t.Fatal("garbage line decoded")
	}
}
