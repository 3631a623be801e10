package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"example.com/xy2gate/internal/capture"
	"example.com/xy2gate/internal/xy2"
)

func TestRenderSummary(t *testing.T) {
	sums := []capture.ChannelSummary{
		{Channel: xy2.ChannelX, Frames: 3, Valid16: 2, Valid18: 1, MinPosition: 0x10, MaxPosition: 0x2AAAA},
		{Channel: xy2.ChannelZ},
	}
	var buf bytes.Buffer
	renderSummary(&buf, sums)
	out := buf.String()
	if !strings.Contains(out, "CHANNEL") {
		t.Fatalf("missing header: %s", out)
	}
	if !strings.Contains(out, "0x00010..0x2AAAA") {
		t.Errorf("missing position range: %s", out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want header + 2 channels", len(lines))
	}
	// Idle channel renders a dash instead of a bogus range.
	if !strings.Contains(lines[2], "-") {
		t.Errorf("idle row = %q", lines[2])
	}
}

func TestWriteFramesCBOR(t *testing.T) {
	fr, ok := xy2.DecodeWord(xy2.EncodeWord16(0x0102), xy2.ChannelX, 0, 10)
	if !ok {
		t.Fatal("frame dropped")
	}
	path := filepath.Join(t.TempDir(), "frames.cbor")
	if err := writeFrames(path, "cbor", []xy2.Frame{fr}); err != nil {
		t.Fatalf("writeFrames: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back []xy2.Frame
	if err := cbor.Unmarshal(b, &back); err != nil {
		t.Fatalf("cbor unmarshal: %v", err)
	}
	if len(back) != 1 || back[0].Position != 0x0102 {
		t.Errorf("round trip = %+v", back)
	}
}

func TestWriteFramesNDJSON(t *testing.T) {
	fr, ok := xy2.DecodeWord(xy2.EncodeWord16(0x0102), xy2.ChannelX, 0, 10)
	if !ok {
		t.Fatal("frame dropped")
	}
	path := filepath.Join(t.TempDir(), "frames.ndjson")
	if err := writeFrames(path, "ndjson", []xy2.Frame{fr}); err != nil {
		t.Fatalf("writeFrames: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "\"position\":258") {
		t.Errorf("frames file = %s", b)
	}
}
