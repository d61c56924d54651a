// Package l4bodies turns per-tick body snapshots into OSC messages.
//
// Two wire formats exist. Flat mode sends one message per joint of every
// tracked body. Nested mode sends one message per body carrying a
// hand-assembled JSON document; receivers unescape the inner array string
// once and parse it as JSON.
package l4bodies

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/kv2share/internal/kinect"
	"github.com/banshee-data/kv2share/internal/osc"
)

// EncodingMode selects the body wire format.
type EncodingMode int

const (
	// ModeNested emits one JSON-string message per body slot.
	ModeNested EncodingMode = iota
	// ModeFlat emits one message per joint of each tracked body.
	ModeFlat
)

func (m EncodingMode) String() string {
	switch m {
	case ModeNested:
		return "nested"
	case ModeFlat:
		return "flat"
	default:
		return fmt.Sprintf("EncodingMode(%d)", int(m))
	}
}

// ModeFor maps the "OSC as JSON" toggle onto a mode.
func ModeFor(jsonGrouped bool) EncodingMode {
	if jsonGrouped {
		return ModeNested
	}
	return ModeFlat
}

// ParseMode accepts "nested", "json", "flat" or "osc".
func ParseMode(s string) (EncodingMode, error) {
	switch strings.ToLower(s) {
	case "nested", "json":
		return ModeNested, nil
	case "flat", "osc":
		return ModeFlat, nil
	default:
		return 0, fmt.Errorf("unknown encoding mode %q", s)
	}
}

// BodyAddressPrefix roots every nested-mode message.
const BodyAddressPrefix = "/kV2/body/"

// Encode dispatches to the encoder for mode.
func Encode(mode EncodingMode, bodies []kinect.Body) ([]osc.Message, error) {
	switch mode {
	case ModeFlat:
		return EncodeFlat(bodies), nil
	case ModeNested:
		return EncodeNested(bodies), nil
	default:
		return nil, fmt.Errorf("unsupported encoding mode %v", mode)
	}
}

// EncodeFlat emits, for each tracked body in order, one message per joint at
// /<slot>/<JointName> with x, y, z, joint index, slot and joint name.
func EncodeFlat(bodies []kinect.Body) []osc.Message {
	var out []osc.Message
	for i := range bodies {
		b := &bodies[i]
		if !b.Tracked {
			continue
		}
		slot := strconv.Itoa(b.SlotID)
		for j := range b.Joints {
			jt := kinect.JointType(j)
			name := jt.String()
			p := b.Joints[j].World
			out = append(out, osc.NewMessage("/"+slot+"/"+name,
				p.X, p.Y, p.Z, int32(j), int32(b.SlotID), name))
		}
	}
	return out
}

// EncodeNested emits one message per body at /kV2/body/<slot> whose only
// argument is {"b<slot>":"<escaped array>"}.
func EncodeNested(bodies []kinect.Body) []osc.Message {
	out := make([]osc.Message, 0, len(bodies))
	for i := range bodies {
		b := &bodies[i]
		slot := strconv.Itoa(b.SlotID)
		doc := `{"b` + slot + `":"` + EscapeQuotes(BodyArray(b)) + `"}`
		out = append(out, osc.NewMessage(BodyAddressPrefix+slot, doc))
	}
	return out
}

// BodyArray renders the unescaped array text for one body. Untracked bodies
// carry only the header objects; tracked bodies append one object per joint.
func BodyArray(b *kinect.Body) string {
	var sb strings.Builder
	sb.Grow(64 + kinect.JointCount*64)
	sb.WriteString(`[{"tracked":`)
	sb.WriteString(strconv.FormatBool(b.Tracked))
	sb.WriteString(`},{"ID":`)
	sb.WriteString(strconv.FormatUint(b.TrackingID, 10))
	sb.WriteString(`},{"RH-st8":`)
	sb.WriteString(strconv.FormatInt(int64(b.RightHandState), 10))
	sb.WriteString(`},{"LH-st8":`)
	sb.WriteString(strconv.FormatInt(int64(b.LeftHandState), 10))
	sb.WriteString(`}`)
	if b.Tracked {
		for j := range b.Joints {
			p := b.Joints[j].World
			sb.WriteString(`,{"j":"`)
			sb.WriteString(kinect.JointType(j).String())
			sb.WriteString(`","x":`)
			sb.WriteString(formatFloat(p.X))
			sb.WriteString(`,"y":`)
			sb.WriteString(formatFloat(p.Y))
			sb.WriteString(`,"z":`)
			sb.WriteString(formatFloat(p.Z))
			sb.WriteString(`}`)
		}
	}
	sb.WriteString(`]`)
	return sb.String()
}

// formatFloat writes the shortest decimal that round-trips to v. JSON has no
// spelling for NaN or infinities, so those become null.
func formatFloat(v float32) string {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	return strconv.FormatFloat(f, 'f', -1, 32)
}

// EscapeQuotes prefixes every double quote and backslash with a backslash so
// s can sit inside a JSON string literal.
func EscapeQuotes(s string) string {
	n := strings.Count(s, `"`) + strings.Count(s, `\`)
	if n == 0 {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s) + n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// CheckJointTable fails when the joint-name table no longer lines up with
// the joint enumeration the encoders walk.
func CheckJointTable() error {
	return kinect.CheckJointTable()
}
