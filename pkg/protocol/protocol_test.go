package protocol

import (
	"bytes"
	"testing"

	"github.com/lajosnagyuk/ltx/pkg/wire"
)

func TestParseFramePing(t *testing.T) {
	// Ping: array of 1, type 0.
	buf := []byte{0x91, 0x00}
	frame, n, err := ParseFrame(buf)
	if err != nil {
		t.Fatalf("ParseFrame error: %v", err)
	}
	if n != len(buf) || frame.Type != Ping || len(frame.Fields) != 0 {
		t.Errorf("got frame %+v, n=%d", frame, n)
	}
}

func TestParseFrameVersion(t *testing.T) {
	// Version: array of 1, type 10.
	buf := []byte{0x91, 0x0a}
	frame, n, err := ParseFrame(buf)
	if err != nil {
		t.Fatalf("ParseFrame error: %v", err)
	}
	if n != len(buf) || frame.Type != Version {
		t.Errorf("got frame %+v", frame)
	}
}

func TestParseFrameExec(t *testing.T) {
	// Exec slot 0, path "/bin/true", no argv tail.
	buf := []byte{0x93, 0x03, 0x00, 0xa9, '/', 'b', 'i', 'n', '/', 't', 'r', 'u', 'e'}
	frame, n, err := ParseFrame(buf)
	if err != nil {
		t.Fatalf("ParseFrame error: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	if frame.Type != Exec || len(frame.Fields) != 2 {
		t.Fatalf("got frame %+v", frame)
	}
	if frame.Fields[0].Kind != wire.KindUint || frame.Fields[0].Uint != 0 {
		t.Errorf("slot field = %+v", frame.Fields[0])
	}
	if frame.Fields[1].Kind != wire.KindStr || string(frame.Fields[1].Data) != "/bin/true" {
		t.Errorf("path field = %+v", frame.Fields[1])
	}
}

func TestParseFrameKill(t *testing.T) {
	// 92 09 00
	buf := []byte{0x92, 0x09, 0x00}
	frame, n, err := ParseFrame(buf)
	if err != nil {
		t.Fatalf("ParseFrame error: %v", err)
	}
	if n != len(buf) || frame.Type != Kill || frame.Fields[0].Uint != 0 {
		t.Errorf("got frame %+v", frame)
	}
}

func TestParseFrameSetFileThenGetFile(t *testing.T) {
	// SetFile /tmp/x = "ABC"
	setFile := []byte{0x93, 0x07, 0xa6, '/', 't', 'm', 'p', '/', 'x', 0xc4, 0x03, 'A', 'B', 'C'}
	frame, n, err := ParseFrame(setFile)
	if err != nil {
		t.Fatalf("ParseFrame(SetFile) error: %v", err)
	}
	if n != len(setFile) || frame.Type != SetFile {
		t.Fatalf("got frame %+v", frame)
	}
	if string(frame.Fields[0].Data) != "/tmp/x" {
		t.Errorf("path = %q", frame.Fields[0].Data)
	}
	if frame.Fields[1].Kind != wire.KindBin || string(frame.Fields[1].Data) != "ABC" {
		t.Errorf("blob = %+v", frame.Fields[1])
	}

	// GetFile /tmp/x
	getFile := []byte{0x92, 0x06, 0xa6, '/', 't', 'm', 'p', '/', 'x'}
	frame, n, err = ParseFrame(getFile)
	if err != nil {
		t.Fatalf("ParseFrame(GetFile) error: %v", err)
	}
	if n != len(getFile) || frame.Type != GetFile || string(frame.Fields[0].Data) != "/tmp/x" {
		t.Errorf("got frame %+v", frame)
	}
}

func TestParseFrameArityViolation(t *testing.T) {
	// Ping declared with 2 elements instead of 1.
	buf := []byte{0x92, 0x00, 0x00}
	if _, _, err := ParseFrame(buf); err == nil {
		t.Fatal("expected an arity error")
	}
}

func TestParseFrameUnknownType(t *testing.T) {
	buf := []byte{0x91, 0x0b} // type 11, past Version (10)
	if _, _, err := ParseFrame(buf); err == nil {
		t.Fatal("expected an unknown-type error")
	}
}

func TestParseFrameIncompletePropagates(t *testing.T) {
	buf := []byte{0x93, 0x03, 0x00, 0xa9, '/', 'b', 'i', 'n'} // path truncated
	if _, _, err := ParseFrame(buf); err != wire.ErrIncomplete {
		t.Errorf("ParseFrame = %v, want ErrIncomplete", err)
	}
}

func TestBuildPong(t *testing.T) {
	got := Build(nil, Pong, Uint(0xcf))
	want := []byte{0x92, 0x01, 0xcc, 0xcf}
	if !bytes.Equal(got, want) {
		t.Errorf("Build(Pong, 0xcf) = % x, want % x", got, want)
	}
}

// drainAll mimics the event loop's own Peek/ParseFrame/Discard cycle:
// parse frames off the front of the buffer until one is incomplete,
// compacting as it goes.
func drainAll(t *testing.T, f *Framer) []Frame {
	t.Helper()
	var got []Frame
	for {
		buf := f.Peek()
		if len(buf) < 2 {
			return got
		}
		fr, n, err := ParseFrame(buf)
		if err == wire.ErrIncomplete {
			return got
		}
		if err != nil {
			t.Fatalf("ParseFrame: %v", err)
		}
		raw := append([]byte(nil), fr.Raw...)
		got = append(got, Frame{Type: fr.Type, Fields: fr.Fields, Raw: raw})
		f.Discard(n)
	}
}

func TestFramerDrainStopsOnIncomplete(t *testing.T) {
	f := NewFramer(4096)
	if err := f.Feed([]byte{0x91, 0x00, 0x93, 0x03, 0x00}); err != nil {
		t.Fatal(err)
	}

	got := drainAll(t, f)
	if len(got) != 1 || got[0].Type != Ping {
		t.Fatalf("got %d frames, want 1 Ping: %+v", len(got), got)
	}

	// The incomplete Exec frame must have survived compaction.
	if err := f.Feed([]byte{0xa9, '/', 'b', 'i', 'n', '/', 't', 'r', 'u', 'e'}); err != nil {
		t.Fatal(err)
	}
	got = drainAll(t, f)
	if len(got) != 1 || got[0].Type != Exec {
		t.Fatalf("got %d frames, want 1 Exec: %+v", len(got), got)
	}
}

func TestFramerFeedOverflowFatal(t *testing.T) {
	f := NewFramer(4)
	if err := f.Feed([]byte{1, 2, 3, 4, 5}); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestOutBufAppendAndConsume(t *testing.T) {
	o := NewOutBuf(16)
	if err := o.Append([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if o.Len() != 5 {
		t.Errorf("Len() = %d, want 5", o.Len())
	}
	o.Consume(2)
	if string(o.Bytes()) != "llo" {
		t.Errorf("Bytes() = %q, want %q", o.Bytes(), "llo")
	}
}

func TestOutBufOverflowFatal(t *testing.T) {
	o := NewOutBuf(4)
	if err := o.Append([]byte("hello")); err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestOutBufLowWater(t *testing.T) {
	o := NewOutBuf(100)
	o.Append(make([]byte, 25))
	if o.AboveLowWater(0.25) {
		t.Errorf("25/100 should not be above a 0.25 low water mark")
	}
	o.Append(make([]byte, 5))
	if !o.AboveLowWater(0.25) {
		t.Errorf("30/100 should be above a 0.25 low water mark")
	}
}
