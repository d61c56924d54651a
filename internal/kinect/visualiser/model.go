package visualiser

import (
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/kv2share/internal/kinect"
)

// BodyFrame is the snapshot streamed to visualiser clients for one tick.
type BodyFrame struct {
	Tick          uint64
	FrameSeq      uint64
	TimestampNS   int64
	Mode          string
	KeyingApplied bool
	Bodies        []kinect.Body
}

// StreamRequest holds the options a client sends when it subscribes.
type StreamRequest struct {
	// Client is a free-form label used in logs.
	Client string
	// TrackedOnly drops untracked body slots from each frame.
	TrackedOnly bool
	// WorldOnly omits depth-image joint positions.
	WorldOnly bool
}

// ParseStreamRequest reads subscription options from the request struct.
// Unknown fields are ignored.
func ParseStreamRequest(s *structpb.Struct) StreamRequest {
	var req StreamRequest
	if s == nil {
		return req
	}
	f := s.GetFields()
	req.Client = f["client"].GetStringValue()
	req.TrackedOnly = f["tracked_only"].GetBoolValue()
	req.WorldOnly = f["world_only"].GetBoolValue()
	return req
}

// Struct converts the request to its wire form.
func (r StreamRequest) Struct() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"client":       structpb.NewStringValue(r.Client),
		"tracked_only": structpb.NewBoolValue(r.TrackedOnly),
		"world_only":   structpb.NewBoolValue(r.WorldOnly),
	}}
}

// Encode renders the frame for one client. Tracking ids are sent as
// decimal strings because a struct number is a float64.
func (f *BodyFrame) Encode(req StreamRequest) *structpb.Struct {
	bodies := make([]*structpb.Value, 0, len(f.Bodies))
	tracked := 0
	for i := range f.Bodies {
		b := &f.Bodies[i]
		if b.Tracked {
			tracked++
		} else if req.TrackedOnly {
			continue
		}
		bodies = append(bodies, structpb.NewStructValue(encodeBody(b, req)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tick":           structpb.NewNumberValue(float64(f.Tick)),
		"frame_seq":      structpb.NewNumberValue(float64(f.FrameSeq)),
		"timestamp_ns":   structpb.NewStringValue(strconv.FormatInt(f.TimestampNS, 10)),
		"mode":           structpb.NewStringValue(f.Mode),
		"keying_applied": structpb.NewBoolValue(f.KeyingApplied),
		"tracked_bodies": structpb.NewNumberValue(float64(tracked)),
		"bodies":         structpb.NewListValue(&structpb.ListValue{Values: bodies}),
	}}
}

func encodeBody(b *kinect.Body, req StreamRequest) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"slot":        structpb.NewNumberValue(float64(b.SlotID)),
		"tracking_id": structpb.NewStringValue(strconv.FormatUint(b.TrackingID, 10)),
		"tracked":     structpb.NewBoolValue(b.Tracked),
		"left_hand":   structpb.NewNumberValue(float64(b.LeftHandState)),
		"right_hand":  structpb.NewNumberValue(float64(b.RightHandState)),
	}
	if !b.Tracked {
		return &structpb.Struct{Fields: fields}
	}
	joints := make([]*structpb.Value, 0, kinect.JointCount)
	for j := range b.Joints {
		jt := &b.Joints[j]
		jf := map[string]*structpb.Value{
			"name": structpb.NewStringValue(jt.Type.String()),
			"x":    structpb.NewNumberValue(float64(jt.World.X)),
			"y":    structpb.NewNumberValue(float64(jt.World.Y)),
			"z":    structpb.NewNumberValue(float64(jt.World.Z)),
		}
		if !req.WorldOnly {
			jf["depth_x"] = structpb.NewNumberValue(float64(jt.Depth.X))
			jf["depth_y"] = structpb.NewNumberValue(float64(jt.Depth.Y))
		}
		joints = append(joints, structpb.NewStructValue(&structpb.Struct{Fields: jf}))
	}
	fields["joints"] = structpb.NewListValue(&structpb.ListValue{Values: joints})
	return &structpb.Struct{Fields: fields}
}
