package kinect

import (
	"errors"
	"fmt"
)

// JointType enumerates the 25 skeletal joints in driver order. The order is
// part of the wire contract: flat messages carry the numeric index and
// consumers key on it.
type JointType int

const (
	JointSpineBase JointType = iota
	JointSpineMid
	JointNeck
	JointHead
	JointShoulderLeft
	JointElbowLeft
	JointWristLeft
	JointHandLeft
	JointShoulderRight
	JointElbowRight
	JointWristRight
	JointHandRight
	JointHipLeft
	JointKneeLeft
	JointAnkleLeft
	JointFootLeft
	JointHipRight
	JointKneeRight
	JointAnkleRight
	JointFootRight
	JointSpineShoulder
	JointHandTipLeft
	JointThumbLeft
	JointHandTipRight
	JointThumbRight

	JointCount = 25
)

// ErrJointTable reports a joint-name table that does not line up with the
// JointType enumeration.
var ErrJointTable = errors.New("joint name table does not match joint enumeration")

// Short names keep OSC packets small. Index i names JointType(i).
var jointNames = [...]string{
	"SpineBase", "SpineMid", "Neck", "Head",
	"ShldrL", "ElbowL", "WristL", "HandL",
	"ShldrR", "ElbowR", "WristR", "HandR",
	"HipL", "KneeL", "AnkleL", "FootL",
	"HipR", "KneeR", "AnkleR", "FootR",
	"SpineShldr", "HandTipL", "ThumbL", "HandTipR", "ThumbR",
}

// JointNames returns a copy of the short-name table in enumeration order.
func JointNames() []string {
	out := make([]string, len(jointNames))
	copy(out, jointNames[:])
	return out
}

// String returns the short wire name of the joint.
func (j JointType) String() string {
	if j < 0 || int(j) >= len(jointNames) {
		return fmt.Sprintf("JointType(%d)", int(j))
	}
	return jointNames[j]
}

// Valid reports whether j is inside the enumeration.
func (j JointType) Valid() bool {
	return j >= 0 && j < JointCount
}

// CheckJointTable verifies the built-in name table. Call it once at startup;
// a failure is a build defect.
func CheckJointTable() error {
	return ValidateJointNames(jointNames[:])
}

// ValidateJointNames checks that names has exactly one non-empty, unique
// entry per JointType.
func ValidateJointNames(names []string) error {
	if len(names) != JointCount {
		return fmt.Errorf("%w: %d names for %d joints", ErrJointTable, len(names), JointCount)
	}
	seen := make(map[string]int, len(names))
	for i, n := range names {
		if n == "" {
			return fmt.Errorf("%w: joint %d has no name", ErrJointTable, i)
		}
		if prev, dup := seen[n]; dup {
			return fmt.Errorf("%w: name %q used by joints %d and %d", ErrJointTable, n, prev, i)
		}
		seen[n] = i
	}
	return nil
}
