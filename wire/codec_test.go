package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		opcode  byte
		payload []byte
	}{
		{"empty payload", 'Z', []byte{}},
		{"short payload", 'C', []byte("SELECT 1\x00")},
		{"binary payload", 'D', []byte{0x00, 0x02, 0xff, 0xfe, 0x00, 0x00, 0x00, 0x01, 0x41}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeTyped(tt.opcode, tt.payload)

			d := NewDecoder()
			d.Feed(frame)

			opcode, payload, ok, err := d.Next()
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if !ok {
				t.Fatalf("Next: expected a complete frame")
			}
			if opcode != tt.opcode {
				t.Errorf("opcode: got %q, want %q", opcode, tt.opcode)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload: got %v, want %v", payload, tt.payload)
			}
			if d.Buffered() != 0 {
				t.Errorf("Buffered: got %d, want 0", d.Buffered())
			}
		})
	}
}

func TestDecodeTwoMessagesNoResidue(t *testing.T) {
	first := EncodeTyped('T', []byte("one"))
	second := EncodeTyped('D', []byte("two"))

	d := NewDecoder()
	d.Feed(append(append([]byte{}, first...), second...))

	op1, p1, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("first frame: ok=%v err=%v", ok, err)
	}
	if op1 != 'T' || string(p1) != "one" {
		t.Errorf("first frame: got (%q, %q)", op1, p1)
	}

	op2, p2, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("second frame: ok=%v err=%v", ok, err)
	}
	if op2 != 'D' || string(p2) != "two" {
		t.Errorf("second frame: got (%q, %q)", op2, p2)
	}

	if d.Buffered() != 0 {
		t.Errorf("Buffered: got %d, want 0", d.Buffered())
	}
}

func TestDecodePartialChunks(t *testing.T) {
	frame := EncodeTyped('Q', []byte("SELECT x FROM t\x00"))

	for split := 0; split <= len(frame); split++ {
		d := NewDecoder()
		d.Feed(frame[:split])

		opcode, payload, ok, err := d.Next()
		if err != nil {
			t.Fatalf("split=%d: unexpected error %v", split, err)
		}
		if split < len(frame) {
			if ok {
				t.Fatalf("split=%d: expected incomplete frame, got one", split)
			}
			d.Feed(frame[split:])
			opcode, payload, ok, err = d.Next()
		}

		if err != nil || !ok {
			t.Fatalf("split=%d: expected complete frame after feeding remainder, ok=%v err=%v", split, ok, err)
		}
		if opcode != 'Q' || string(payload) != "SELECT x FROM t\x00" {
			t.Errorf("split=%d: got (%q, %q)", split, opcode, payload)
		}
	}
}

func TestDecodeNegotiationByte(t *testing.T) {
	d := NewDecoder()
	d.SetNegotiating(true)
	d.Feed([]byte{'S'})

	opcode, payload, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if opcode != 'S' || payload != nil {
		t.Errorf("got (%q, %v), want ('S', nil)", opcode, payload)
	}

	d.SetNegotiating(false)
	d.Feed(EncodeTyped('Z', []byte{'I'}))
	opcode, payload, ok, err = d.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if opcode != 'Z' || string(payload) != "I" {
		t.Errorf("got (%q, %q)", opcode, payload)
	}
}

func TestMessageTooLarge(t *testing.T) {
	d := NewDecoder()
	header := []byte{'D', 0x7f, 0xff, 0xff, 0xff}
	d.Feed(header)

	_, _, _, err := d.Next()
	if err != ErrMessageTooLarge {
		t.Errorf("got err=%v, want ErrMessageTooLarge", err)
	}
}
