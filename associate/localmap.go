package associate

import (
	"math"

	"github.com/golang/geo/r2"

	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/slammap"
)

// MatchLocalMap runs the second association pass: landmarks currently in the
// local window are projected into the new keyframe and matched against its
// still-unassociated features. Acceptance is geometric, not ratio-based: a
// point match must land within MaxEpipP pixels of the projection; a line
// match needs both projected endpoints within MaxEpipL of the observed line
// equation.
func (e *Engine) MatchLocalMap(curr *slammap.Keyframe) error {
	if err := e.matchLocalPoints(curr); err != nil {
		return err
	}
	return e.matchLocalLines(curr)
}

func (e *Engine) matchLocalPoints(curr *slammap.Keyframe) error {
	w2c := curr.WorldToCamera()

	var ids []int
	var projected []r2.Point
	var descs []frame.Descriptor
	for _, lm := range e.mp.Points() {
		if lm == nil || !lm.Local || observesPoint(curr, lm.ID) {
			continue
		}
		pc := w2c.TransformPoint(lm.Pos)
		if pc.Z <= 0 {
			continue
		}
		px := e.cam.Project(pc)
		if !e.cam.InImage(px) {
			continue
		}
		ids = append(ids, lm.ID)
		projected = append(projected, px)
		descs = append(descs, lm.RepDesc)
	}
	if len(ids) == 0 {
		return nil
	}

	var free []int
	var freeDescs []frame.Descriptor
	grid := frame.NewGrid(frame.DefaultGridRows, frame.DefaultGridCols, float64(e.cam.Width), float64(e.cam.Height))
	for j, fc := range curr.Frame.Points {
		if fc.Landmark != frame.NoLandmark {
			continue
		}
		grid.Insert(fc.Pixel, len(free))
		free = append(free, j)
		freeDescs = append(freeDescs, fc.Desc)
	}
	if len(free) == 0 {
		return nil
	}

	matches, n := frame.MatchGrid(projected, descs, grid, freeDescs, &e.cfg.Matching)
	if n < e.cfg.MinMatches {
		matches, _ = frame.Match(descs, freeDescs, &e.cfg.Matching)
	}

	for k, mIdx := range matches {
		if mIdx < 0 {
			continue
		}
		fc := curr.Frame.Points[free[mIdx]]
		if fc.Landmark != frame.NoLandmark {
			continue
		}
		if math.Hypot(projected[k].X-fc.Pixel.X, projected[k].Y-fc.Pixel.Y) > e.cfg.MaxEpipP {
			continue
		}
		lm := e.mp.Point(ids[k])
		if lm == nil {
			continue
		}
		if err := e.mp.AddPointObservation(lm.ID, fc.Desc, curr.ID, fc.Pixel, viewDir(curr, lm.Pos)); err != nil {
			return err
		}
		fc.Landmark = lm.ID
	}
	return nil
}

func (e *Engine) matchLocalLines(curr *slammap.Keyframe) error {
	w2c := curr.WorldToCamera()

	var ids []int
	var projected []r2.Point
	var spPx, epPx []r2.Point
	var descs []frame.Descriptor
	for _, lm := range e.mp.Lines() {
		if lm == nil || !lm.Local || observesLine(curr, lm.ID) {
			continue
		}
		spc := w2c.TransformPoint(lm.SP)
		epc := w2c.TransformPoint(lm.EP)
		if spc.Z <= 0 || epc.Z <= 0 {
			continue
		}
		a := e.cam.Project(spc)
		b := e.cam.Project(epc)
		if !e.cam.InImage(a) && !e.cam.InImage(b) {
			continue
		}
		ids = append(ids, lm.ID)
		projected = append(projected, r2.Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2})
		spPx = append(spPx, a)
		epPx = append(epPx, b)
		descs = append(descs, lm.RepDesc)
	}
	if len(ids) == 0 {
		return nil
	}

	var free []int
	var freeDescs []frame.Descriptor
	grid := frame.NewGrid(frame.DefaultGridRows, frame.DefaultGridCols, float64(e.cam.Width), float64(e.cam.Height))
	for j, fc := range curr.Frame.Lines {
		if fc.Landmark != frame.NoLandmark {
			continue
		}
		grid.InsertSegment(fc.Start, fc.End, len(free))
		free = append(free, j)
		freeDescs = append(freeDescs, fc.Desc)
	}
	if len(free) == 0 {
		return nil
	}

	matches, n := frame.MatchGrid(projected, descs, grid, freeDescs, &e.cfg.Matching)
	if n < e.cfg.MinMatches {
		matches, _ = frame.Match(descs, freeDescs, &e.cfg.Matching)
	}

	for k, mIdx := range matches {
		if mIdx < 0 {
			continue
		}
		fc := curr.Frame.Lines[free[mIdx]]
		if fc.Landmark != frame.NoLandmark {
			continue
		}
		dS := fc.LineEq.X*spPx[k].X + fc.LineEq.Y*spPx[k].Y + fc.LineEq.Z
		dE := fc.LineEq.X*epPx[k].X + fc.LineEq.Y*epPx[k].Y + fc.LineEq.Z
		if math.Abs(dS) > e.cfg.MaxEpipL || math.Abs(dE) > e.cfg.MaxEpipL {
			continue
		}
		lm := e.mp.Line(ids[k])
		if lm == nil {
			continue
		}
		seg := slammap.PixelSegment{Start: fc.Start, End: fc.End}
		if err := e.mp.AddLineObservation(lm.ID, fc.Desc, curr.ID, fc.LineEq, seg, viewDir(curr, lm.Midpoint())); err != nil {
			return err
		}
		fc.Landmark = lm.ID
	}
	return nil
}

func observesPoint(kf *slammap.Keyframe, lmID int) bool {
	for _, fp := range kf.Frame.Points {
		if fp != nil && fp.Landmark == lmID {
			return true
		}
	}
	return false
}

func observesLine(kf *slammap.Keyframe, lmID int) bool {
	for _, fl := range kf.Frame.Lines {
		if fl != nil && fl.Landmark == lmID {
			return true
		}
	}
	return false
}
