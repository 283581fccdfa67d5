package loopclose

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/loopdetect"
	"github.com/roverlab/stereoslam/slammap"
)

// fuse reconciles the landmarks on both sides of a closed loop edge using
// its surviving feature correspondences.
func (c *Corrector) fuse(edge *loopdetect.Edge) error {
	prev := c.mp.Keyframe(edge.From)
	curr := c.mp.Keyframe(edge.To)
	if prev == nil || curr == nil {
		return errors.Errorf("loop edge %d-%d references a removed keyframe", edge.From, edge.To)
	}

	for _, pair := range edge.PointPairs {
		if err := c.fusePointPair(prev, curr, pair); err != nil {
			return err
		}
	}
	for _, pair := range edge.LinePairs {
		if err := c.fuseLinePair(prev, curr, pair); err != nil {
			return err
		}
	}
	return nil
}

func (c *Corrector) fusePointPair(prev, curr *slammap.Keyframe, pair loopdetect.CorrPair) error {
	fp := prev.Frame.Points[pair.From]
	fc := curr.Frame.Points[pair.To]

	switch {
	case fp.Landmark == frame.NoLandmark && fc.Landmark == frame.NoLandmark:
		world := prev.Pose.TransformPoint(fp.P)
		lm, err := c.mp.CreatePoint(prev.ID, fp.Desc, fp.Pixel, dirFrom(prev, world), world)
		if err != nil {
			return err
		}
		fp.Landmark = lm.ID
		if err := c.mp.AddPointObservation(lm.ID, fc.Desc, curr.ID, fc.Pixel, dirFrom(curr, world)); err != nil {
			return err
		}
		fc.Landmark = lm.ID

	case fp.Landmark != frame.NoLandmark && fc.Landmark == frame.NoLandmark:
		lm := c.mp.Point(fp.Landmark)
		if lm == nil {
			return errors.Errorf("keyframe %d point feature %d references absent landmark %d", prev.ID, pair.From, fp.Landmark)
		}
		if observes(lm.KFs, curr.ID) {
			return nil
		}
		if err := c.mp.AddPointObservation(lm.ID, fc.Desc, curr.ID, fc.Pixel, dirFrom(curr, lm.Pos)); err != nil {
			return err
		}
		fc.Landmark = lm.ID

	case fp.Landmark == frame.NoLandmark && fc.Landmark != frame.NoLandmark:
		lm := c.mp.Point(fc.Landmark)
		if lm == nil {
			return errors.Errorf("keyframe %d point feature %d references absent landmark %d", curr.ID, pair.To, fc.Landmark)
		}
		if observes(lm.KFs, prev.ID) {
			return nil
		}
		if err := c.mp.AddPointObservation(lm.ID, fp.Desc, prev.ID, fp.Pixel, dirFrom(prev, lm.Pos)); err != nil {
			return err
		}
		fp.Landmark = lm.ID

	case fp.Landmark != fc.Landmark:
		// both sides own distinct landmarks: the later one folds into the
		// earlier one
		dst, src := fp.Landmark, fc.Landmark
		if src < dst {
			dst, src = src, dst
		}
		if err := c.mp.MergePoints(dst, src); err != nil {
			return err
		}
	}
	return nil
}

func (c *Corrector) fuseLinePair(prev, curr *slammap.Keyframe, pair loopdetect.CorrPair) error {
	fl := prev.Frame.Lines[pair.From]
	fc := curr.Frame.Lines[pair.To]

	switch {
	case fl.Landmark == frame.NoLandmark && fc.Landmark == frame.NoLandmark:
		sp := prev.Pose.TransformPoint(fl.SP)
		ep := prev.Pose.TransformPoint(fl.EP)
		mid := sp.Add(ep).Mul(0.5)
		lm, err := c.mp.CreateLine(prev.ID, fl.Desc, fl.LineEq,
			slammap.PixelSegment{Start: fl.Start, End: fl.End}, dirFrom(prev, mid), sp, ep)
		if err != nil {
			return err
		}
		fl.Landmark = lm.ID
		if err := c.mp.AddLineObservation(lm.ID, fc.Desc, curr.ID, fc.LineEq,
			slammap.PixelSegment{Start: fc.Start, End: fc.End}, dirFrom(curr, mid)); err != nil {
			return err
		}
		fc.Landmark = lm.ID

	case fl.Landmark != frame.NoLandmark && fc.Landmark == frame.NoLandmark:
		lm := c.mp.Line(fl.Landmark)
		if lm == nil {
			return errors.Errorf("keyframe %d line feature %d references absent landmark %d", prev.ID, pair.From, fl.Landmark)
		}
		if observes(lm.KFs, curr.ID) {
			return nil
		}
		if err := c.mp.AddLineObservation(lm.ID, fc.Desc, curr.ID, fc.LineEq,
			slammap.PixelSegment{Start: fc.Start, End: fc.End}, dirFrom(curr, lm.Midpoint())); err != nil {
			return err
		}
		fc.Landmark = lm.ID

	case fl.Landmark == frame.NoLandmark && fc.Landmark != frame.NoLandmark:
		lm := c.mp.Line(fc.Landmark)
		if lm == nil {
			return errors.Errorf("keyframe %d line feature %d references absent landmark %d", curr.ID, pair.To, fc.Landmark)
		}
		if observes(lm.KFs, prev.ID) {
			return nil
		}
		if err := c.mp.AddLineObservation(lm.ID, fl.Desc, prev.ID, fl.LineEq,
			slammap.PixelSegment{Start: fl.Start, End: fl.End}, dirFrom(prev, lm.Midpoint())); err != nil {
			return err
		}
		fl.Landmark = lm.ID

	case fl.Landmark != fc.Landmark:
		dst, src := fl.Landmark, fc.Landmark
		if src < dst {
			dst, src = src, dst
		}
		if err := c.mp.MergeLines(dst, src); err != nil {
			return err
		}
	}
	return nil
}

func observes(kfs []int, id int) bool {
	for _, k := range kfs {
		if k == id {
			return true
		}
	}
	return false
}

func dirFrom(kf *slammap.Keyframe, world r3.Vector) r3.Vector {
	d := world.Sub(kf.Pose.Translation())
	if n := d.Norm(); n > 0 {
		return d.Mul(1 / n)
	}
	return r3.Vector{Z: 1}
}
