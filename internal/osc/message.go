package osc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	gosc "github.com/hypebeast/go-osc/osc"
)

// ErrMalformed reports a packet that does not decode as OSC.
var ErrMalformed = errors.New("malformed OSC packet")

// maxBundleDepth bounds recursion on nested bundles from untrusted peers.
const maxBundleDepth = 8

// Message is one addressed OSC message. Arguments hold int32, int64,
// float32, float64, string, []byte, bool, nil or go-osc Timetag values.
type Message struct {
	Address   string
	Arguments []interface{}
}

// NewMessage builds a message for address with the given arguments.
func NewMessage(address string, args ...interface{}) Message {
	return Message{Address: address, Arguments: args}
}

// Append adds arguments to the message.
func (m *Message) Append(args ...interface{}) {
	m.Arguments = append(m.Arguments, args...)
}

// TypeTags returns the OSC type tag string, including the leading comma.
func (m Message) TypeTags() (string, error) {
	var b strings.Builder
	b.WriteByte(',')
	for i, a := range m.Arguments {
		tag, err := typeTag(a)
		if err != nil {
			return "", fmt.Errorf("argument %d: %w", i, err)
		}
		b.WriteByte(tag)
	}
	return b.String(), nil
}

func typeTag(a interface{}) (byte, error) {
	switch v := a.(type) {
	case int32:
		return 'i', nil
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 0, fmt.Errorf("int %d overflows int32", v)
		}
		return 'i', nil
	case int64:
		return 'h', nil
	case float32:
		return 'f', nil
	case float64:
		return 'd', nil
	case string:
		return 's', nil
	case []byte:
		return 'b', nil
	case bool:
		if v {
			return 'T', nil
		}
		return 'F', nil
	case nil:
		return 'N', nil
	case gosc.Timetag, *gosc.Timetag:
		return 't', nil
	default:
		return 0, fmt.Errorf("unsupported argument type %T", a)
	}
}

// Packet converts m to a go-osc message. Plain ints are narrowed to int32
// since go-osc has no tag for Go's int.
func (m Message) Packet() (*gosc.Message, error) {
	if !strings.HasPrefix(m.Address, "/") {
		return nil, fmt.Errorf("address %q must start with '/'", m.Address)
	}
	if _, err := m.TypeTags(); err != nil {
		return nil, err
	}
	args := make([]interface{}, len(m.Arguments))
	for i, a := range m.Arguments {
		if v, ok := a.(int); ok {
			a = int32(v)
		}
		args[i] = a
	}
	return gosc.NewMessage(m.Address, args...), nil
}

// MarshalBinary encodes the message in OSC wire format.
func (m Message) MarshalBinary() ([]byte, error) {
	p, err := m.Packet()
	if err != nil {
		return nil, err
	}
	return p.MarshalBinary()
}

// String renders the message the way dump tools print it.
func (m Message) String() string {
	var b strings.Builder
	b.WriteString(m.Address)
	if tags, err := m.TypeTags(); err == nil {
		b.WriteByte(' ')
		b.WriteString(tags)
	}
	for _, a := range m.Arguments {
		b.WriteByte(' ')
		switch v := a.(type) {
		case string:
			b.WriteString(strconv.Quote(v))
		case []byte:
			fmt.Fprintf(&b, "blob[%d]", len(v))
		case nil:
			b.WriteString("nil")
		default:
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

func fromPacket(p *gosc.Message) (Message, error) {
	if !strings.HasPrefix(p.Address, "/") {
		return Message{}, fmt.Errorf("%w: address %q", ErrMalformed, p.Address)
	}
	return Message{Address: p.Address, Arguments: p.Arguments}, nil
}

// ParsePacket decodes a datagram into messages. A plain message yields a
// single entry. A bundle is flattened depth first, each bundle's own
// messages before those of its nested bundles.
func ParsePacket(data []byte) (msgs []Message, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	// go-osc sizes blob buffers from the wire without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			msgs, err = nil, fmt.Errorf("%w: %v", ErrMalformed, r)
		}
	}()
	p, err := gosc.ParsePacket(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return flatten(p, 0)
}

func flatten(p gosc.Packet, depth int) ([]Message, error) {
	switch v := p.(type) {
	case *gosc.Message:
		msg, err := fromPacket(v)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	case *gosc.Bundle:
		if depth >= maxBundleDepth {
			return nil, fmt.Errorf("%w: bundles nested deeper than %d", ErrMalformed, maxBundleDepth)
		}
		// Time tags are ignored: the receiver dispatches everything immediately.
		out := make([]Message, 0, len(v.Messages))
		for _, m := range v.Messages {
			msg, err := fromPacket(m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		for _, b := range v.Bundles {
			msgs, err := flatten(b, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unexpected packet %T", ErrMalformed, p)
	}
}

// ParseMessage decodes a single OSC message. A bundle is rejected.
func ParseMessage(data []byte) (Message, error) {
	if len(data) == 0 || data[0] != '/' {
		return Message{}, fmt.Errorf("%w: not a message", ErrMalformed)
	}
	msgs, err := ParsePacket(data)
	if err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// Truthy interprets a control argument. Booleans are taken as-is, numbers
// are truncated toward zero and true when the result is non-zero, and
// strings are true for "1" or "true".
func Truthy(arg interface{}) bool {
	switch v := arg.(type) {
	case bool:
		return v
	case int32:
		return v != 0
	case int64:
		return v != 0
	case int:
		return v != 0
	case float32:
		return truncNonZero(float64(v))
	case float64:
		return truncNonZero(v)
	case string:
		return v == "1" || strings.EqualFold(v, "true")
	default:
		return false
	}
}

func truncNonZero(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	return math.Trunc(v) != 0
}
