package l4bodies

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kv2share/internal/kinect"
)

func makeBody(slot int, tracked bool) kinect.Body {
	b := kinect.Body{
		SlotID:         slot,
		TrackingID:     72057594037928000 + uint64(slot),
		Tracked:        tracked,
		LeftHandState:  kinect.HandState(2),
		RightHandState: kinect.HandState(3),
	}
	for j := range b.Joints {
		b.Joints[j] = kinect.Joint{
			Type:  kinect.JointType(j),
			World: kinect.Vec3{X: float32(j) * 0.5, Y: float32(-slot), Z: 1.25},
		}
	}
	return b
}

func TestEncodeFlat(t *testing.T) {
	t.Parallel()
	bodies := []kinect.Body{makeBody(0, false), makeBody(2, true), makeBody(4, true)}
	msgs := EncodeFlat(bodies)
	require.Len(t, msgs, 2*kinect.JointCount)

	for i, m := range msgs {
		slot := 2
		if i >= kinect.JointCount {
			slot = 4
		}
		j := i % kinect.JointCount
		name := kinect.JointType(j).String()
		want := []interface{}{
			float32(j) * 0.5, float32(-slot), float32(1.25),
			int32(j), int32(slot), name,
		}
		assert.Equal(t, "/"+string(rune('0'+slot))+"/"+name, m.Address)
		if diff := cmp.Diff(want, m.Arguments); diff != "" {
			t.Errorf("message %d arguments (-want +got):\n%s", i, diff)
		}
	}
}

func TestEncodeFlat_NoTrackedBodies(t *testing.T) {
	t.Parallel()
	assert.Empty(t, EncodeFlat([]kinect.Body{makeBody(0, false)}))
	assert.Empty(t, EncodeFlat(nil))
}

func TestEncodeNested_Untracked(t *testing.T) {
	t.Parallel()
	b := kinect.Body{SlotID: 3, TrackingID: 0, LeftHandState: 1, RightHandState: 4}
	msgs := EncodeNested([]kinect.Body{b})
	require.Len(t, msgs, 1)
	assert.Equal(t, "/kV2/body/3", msgs[0].Address)
	want := `{"b3":"[{\"tracked\":false},{\"ID\":0},{\"RH-st8\":4},{\"LH-st8\":1}]"}`
	assert.Equal(t, []interface{}{want}, msgs[0].Arguments)
}

func TestEncodeNested_TrackedIsValidJSON(t *testing.T) {
	t.Parallel()
	b := makeBody(1, true)
	b.Joints[kinect.JointHead].World.X = float32(math.NaN())
	msgs := EncodeNested([]kinect.Body{b})
	require.Len(t, msgs, 1)
	doc, ok := msgs[0].Arguments[0].(string)
	require.True(t, ok)

	var outer map[string]string
	require.NoError(t, json.Unmarshal([]byte(doc), &outer))
	inner, ok := outer["b1"]
	require.True(t, ok, "key b1 in %s", doc)

	var arr []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(inner), &arr), inner)
	require.Len(t, arr, 4+kinect.JointCount)

	assert.Equal(t, true, arr[0]["tracked"])
	assert.Equal(t, float64(72057594037928001), arr[1]["ID"])
	assert.Equal(t, float64(3), arr[2]["RH-st8"])
	assert.Equal(t, float64(2), arr[3]["LH-st8"])
	for j := 0; j < kinect.JointCount; j++ {
		obj := arr[4+j]
		assert.Equal(t, kinect.JointType(j).String(), obj["j"])
		assert.Equal(t, 1.25, obj["z"])
	}
	assert.Nil(t, arr[4+int(kinect.JointHead)]["x"], "NaN encodes as null")
	assert.Equal(t, 0.5, arr[5]["x"])
}

func TestEncodeNested_TrackingIDIsExact(t *testing.T) {
	t.Parallel()
	b := kinect.Body{SlotID: 0, TrackingID: math.MaxUint64}
	got := BodyArray(&b)
	assert.Contains(t, got, `{"ID":18446744073709551615}`)
}

func TestEncodeNested_OnePerBody(t *testing.T) {
	t.Parallel()
	bodies := make([]kinect.Body, kinect.MaxBodies)
	for i := range bodies {
		bodies[i] = makeBody(i, i%2 == 0)
	}
	msgs := EncodeNested(bodies)
	require.Len(t, msgs, kinect.MaxBodies)
	for i, m := range msgs {
		assert.True(t, strings.HasSuffix(m.Address, "/"+string(rune('0'+i))))
	}
}

func TestBodyArray_Separators(t *testing.T) {
	t.Parallel()
	untracked := BodyArray(&kinect.Body{})
	assert.False(t, strings.Contains(untracked, "},]"))
	assert.False(t, strings.HasSuffix(untracked, ",]"))

	b := makeBody(0, true)
	tracked := BodyArray(&b)
	assert.Contains(t, tracked, `{"LH-st8":2},{"j":"SpineBase","x":0,"y":0,"z":1.25}`)
	assert.True(t, strings.HasSuffix(tracked, `{"j":"ThumbR","x":12,"y":0,"z":1.25}]`))
}

func TestEscapeQuotes(t *testing.T) {
	t.Parallel()
	tests := []string{
		``,
		`plain`,
		`a"b`,
		`back\slash`,
		`[{"j":"Head"}]`,
		`\"`,
		`""\\`,
	}
	for _, in := range tests {
		esc := EscapeQuotes(in)
		var back string
		require.NoError(t, json.Unmarshal([]byte(`"`+esc+`"`), &back), esc)
		assert.Equal(t, in, back)
	}
	assert.Equal(t, `a\"b\\c`, EscapeQuotes(`a"b\c`))
}

func TestEncode_Dispatch(t *testing.T) {
	t.Parallel()
	bodies := []kinect.Body{makeBody(0, true)}

	flat, err := Encode(ModeFlat, bodies)
	require.NoError(t, err)
	assert.Len(t, flat, kinect.JointCount)

	nested, err := Encode(ModeNested, bodies)
	require.NoError(t, err)
	assert.Len(t, nested, 1)

	_, err = Encode(EncodingMode(9), bodies)
	assert.Error(t, err)
}

func TestModes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, ModeNested, ModeFor(true))
	assert.Equal(t, ModeFlat, ModeFor(false))

	for in, want := range map[string]EncodingMode{"json": ModeNested, "Nested": ModeNested, "flat": ModeFlat, "OSC": ModeFlat} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("xml")
	assert.Error(t, err)
	assert.Equal(t, "flat", ModeFlat.String())
	assert.Equal(t, "EncodingMode(7)", EncodingMode(7).String())
}

func TestCheckJointTable(t *testing.T) {
	t.Parallel()
	assert.NoError(t, CheckJointTable())
}
