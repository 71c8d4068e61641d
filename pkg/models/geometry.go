package models

import "math"

// Vec3 is a position in meters in the room's local frame.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func NewVec3(x, y, z float64) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance is the Euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	return v.Sub(o).Length()
}

// Quat is a rotation quaternion. It is expected, not enforced, to be normalized.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// IdentityQuat is the zero rotation.
var IdentityQuat = Quat{W: 1}

func (q Quat) Dot(o Quat) float64 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

// Extents is the [width, height] of a plane in meters.
type Extents [2]float64

func (e Extents) Width() float64  { return e[0] }
func (e Extents) Height() float64 { return e[1] }

// Sum is width+height, the size measure used for plane matching.
func (e Extents) Sum() float64 {
	return e[0] + e[1]
}
