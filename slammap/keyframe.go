package slammap

import (
	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/spatial"
	"github.com/roverlab/stereoslam/vocab"
)

// Keyframe is a retained camera pose with its feature snapshot. The pose maps
// camera-frame coordinates into the world frame. Keyframe slots in the map are
// index-stable; a removed keyframe leaves a nil slot behind.
type Keyframe struct {
	ID   int
	Pose spatial.Pose
	// Frame is the feature set captured at this keyframe. Feature Landmark
	// fields point into the map's landmark arenas.
	Frame *frame.Frame

	// Place-recognition descriptor aggregates, per feature type and combined.
	PointAgg vocab.Aggregate
	LineAgg  vocab.Aggregate
	Agg      vocab.Aggregate

	// Local marks membership in the current optimization window.
	Local bool
}

// Tangent returns the pose's minimal 6-parameter representation.
func (k *Keyframe) Tangent() spatial.Vec6 {
	return spatial.Log(k.Pose)
}

// WorldToCamera returns the inverse pose, mapping world points into this
// keyframe's camera frame.
func (k *Keyframe) WorldToCamera() spatial.Pose {
	return k.Pose.Inverse()
}
