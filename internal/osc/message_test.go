package osc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	gosc "github.com/hypebeast/go-osc/osc"
)

func TestMarshalBinary_Layout(t *testing.T) {
	msg := NewMessage("/kv2status/", "closed")
	got, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	want := []byte{
		'/', 'k', 'v', '2', 's', 't', 'a', 't', 'u', 's', '/', 0,
		',', 's', 0, 0,
		'c', 'l', 'o', 's', 'e', 'd', 0, 0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("encoded bytes mismatch (-want +got):\n%s", diff)
	}
	if len(got)%4 != 0 {
		t.Errorf("encoded length %d is not a multiple of 4", len(got))
	}
}

func TestMarshalBinary_NumericArgs(t *testing.T) {
	msg := NewMessage("/0/Head", float32(1.5), int32(3), int32(-1))
	got, err := msg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	// "/0/Head" pads to 8, ",fii" pads to 8.
	if len(got) != 8+8+12 {
		t.Fatalf("len = %d, want 28", len(got))
	}
	if v := binary.BigEndian.Uint32(got[16:]); v != 0x3fc00000 {
		t.Errorf("float bits = %#x, want 0x3fc00000", v)
	}
	if v := int32(binary.BigEndian.Uint32(got[24:])); v != -1 {
		t.Errorf("last int = %d, want -1", v)
	}
}

func TestMarshalBinary_Errors(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"missing slash", NewMessage("kV2/body/0")},
		{"unsupported type", NewMessage("/x", struct{}{})},
		{"int overflow", NewMessage("/x", 1<<40)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.msg.MarshalBinary(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	in := NewMessage("/mixed",
		int32(7), int64(-9), float32(0.25), float64(2.5),
		"hello", []byte{1, 2, 3}, true, false, nil, "")
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	out, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-in +out):\n%s", diff)
	}
}

func TestRoundTrip_PlainInt(t *testing.T) {
	data, err := NewMessage("/app-exit", 1).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	out, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if diff := cmp.Diff([]interface{}{int32(1)}, out.Arguments); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMessage_EmptyTypeTags(t *testing.T) {
	out, err := ParseMessage([]byte{'/', 'p', 'i', 'n', 'g', 0, 0, 0, ',', 0, 0, 0})
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}
	if out.Address != "/ping" || len(out.Arguments) != 0 {
		t.Errorf("got %+v", out)
	}
}

func TestParseMessage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unterminated address", []byte("/abc")},
		{"no leading slash", []byte{'a', 'b', 'c', 0}},
		{"bundle", oscString("#bundle")},
		{"truncated int", []byte{'/', 'a', 0, 0, ',', 'i', 0, 0, 0, 0}},
		{"truncated float64", []byte{'/', 'a', 0, 0, ',', 'd', 0, 0, 0, 0, 0, 0}},
		{"unknown tag", []byte{'/', 'a', 0, 0, ',', 'q', 0, 0}},
		{"negative blob size", []byte{'/', 'a', 0, 0, ',', 'b', 0, 0, 0xff, 0xff, 0xff, 0xf0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage(tt.data)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

// oscString pads s the way OSC strings travel on the wire.
func oscString(s string) []byte {
	buf := append([]byte(s), 0)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func encodeBundle(t *testing.T, elems ...[]byte) []byte {
	t.Helper()
	buf := oscString("#bundle")
	buf = binary.BigEndian.AppendUint64(buf, 1) // immediate
	for _, e := range elems {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(e)))
		buf = append(buf, e...)
	}
	return buf
}

func mustMarshal(t *testing.T, m Message) []byte {
	t.Helper()
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return b
}

func TestParsePacket_Bundle(t *testing.T) {
	a := NewMessage("/a", int32(1))
	b := NewMessage("/b", "two")
	c := NewMessage("/c", float32(3))
	inner := encodeBundle(t, mustMarshal(t, b), mustMarshal(t, c))
	pkt := encodeBundle(t, mustMarshal(t, a), inner)

	got, err := ParsePacket(pkt)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if diff := cmp.Diff([]Message{a, b, c}, got); diff != "" {
		t.Errorf("flattened bundle mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePacket_GoOSCBundle(t *testing.T) {
	bundle := gosc.NewBundle(time.Now())
	for _, m := range []Message{NewMessage("/kV2/pointer", int32(3), int32(4)), NewMessage("/app-exit", true)} {
		p, err := m.Packet()
		if err != nil {
			t.Fatalf("Packet: %v", err)
		}
		if err := bundle.Append(p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	data, err := bundle.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	want := []Message{
		NewMessage("/kV2/pointer", int32(3), int32(4)),
		NewMessage("/app-exit", true),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle mismatch (-want +got):\n%s", diff)
	}
}

func TestParsePacket_BundleErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if _, err := ParsePacket(nil); !errors.Is(err, ErrMalformed) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("truncated time tag", func(t *testing.T) {
		pkt := oscString("#bundle")
		if _, err := ParsePacket(pkt); !errors.Is(err, ErrMalformed) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("too deep", func(t *testing.T) {
		pkt := mustMarshal(t, NewMessage("/leaf"))
		for i := 0; i <= maxBundleDepth; i++ {
			pkt = encodeBundle(t, pkt)
		}
		if _, err := ParsePacket(pkt); !errors.Is(err, ErrMalformed) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("wrong tag", func(t *testing.T) {
		pkt := oscString("#bundlex")
		pkt = append(pkt, make([]byte, 8)...)
		if _, err := ParsePacket(pkt); !errors.Is(err, ErrMalformed) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestPacket_NarrowsInt(t *testing.T) {
	p, err := NewMessage("/app-exit", 1).Packet()
	if err != nil {
		t.Fatalf("Packet: %v", err)
	}
	if diff := cmp.Diff([]interface{}{int32(1)}, p.Arguments); diff != "" {
		t.Errorf("arguments mismatch (-want +got):\n%s", diff)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		arg  interface{}
		want bool
	}{
		{true, true},
		{false, false},
		{int32(1), true},
		{int32(0), false},
		{int64(2), true},
		{float32(0), false},
		{float32(0.5), false},
		{float32(1.5), true},
		{float64(-0.5), false},
		{float64(-1), true},
		{float64(1), true},
		{"1", true},
		{"TRUE", true},
		{"yes", false},
		{nil, false},
		{[]byte{1}, false},
	}
	for _, tt := range tests {
		if got := Truthy(tt.arg); got != tt.want {
			t.Errorf("Truthy(%#v) = %v, want %v", tt.arg, got, tt.want)
		}
	}
}

func TestMessageString(t *testing.T) {
	got := NewMessage("/0/Head", float32(1), "Head", []byte{1, 2}).String()
	want := `/0/Head ,fsb 1 "Head" blob[2]`
	if got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if !bytes.HasPrefix([]byte(got), []byte("/0/Head")) {
		t.Error("missing address")
	}
}
