package slammap

import (
	"github.com/pkg/errors"

	"github.com/roverlab/stereoslam/frame"
)

// FormLocalWindow recomputes the Local flags. The newest keyframe is always
// local; an older keyframe joins the window when it shares at least minCov
// landmarks with the newest one or lies within minKFDist indices of it. Every
// landmark observed by a local keyframe becomes local.
func (m *Map) FormLocalWindow(minCov, minKFDist int) {
	for _, kf := range m.keyframes {
		if kf != nil {
			kf.Local = false
		}
	}
	for _, p := range m.points {
		if p != nil {
			p.Local = false
		}
	}
	for _, l := range m.lines {
		if l != nil {
			l.Local = false
		}
	}

	latest := m.LastKeyframe()
	if latest == nil {
		return
	}
	m.markKeyframeLocal(latest)
	for _, kf := range m.keyframes {
		if kf == nil || kf.ID == latest.ID {
			continue
		}
		if m.cov.Count(latest.ID, kf.ID) >= minCov || latest.ID-kf.ID <= minKFDist {
			m.markKeyframeLocal(kf)
		}
	}
}

func (m *Map) markKeyframeLocal(kf *Keyframe) {
	kf.Local = true
	if kf.Frame == nil {
		return
	}
	for _, pt := range kf.Frame.Points {
		if pt == nil {
			continue
		}
		if p := m.Point(pt.Landmark); p != nil {
			p.Local = true
		}
	}
	for _, ls := range kf.Frame.Lines {
		if ls == nil {
			continue
		}
		if l := m.Line(ls.Landmark); l != nil {
			l.Local = true
		}
	}
}

// CullLandmarks destroys stale landmarks. A landmark is culled when it is
// outside the current local window, its anchor keyframe is at least ageGate
// keyframes old, and it is either flagged non-inlier or has fewer than
// minObs observations. Returns the number of landmarks removed.
func (m *Map) CullLandmarks(minObs, ageGate int) int {
	maxKF := m.MaxKeyframeID()
	removed := 0
	for id, p := range m.points {
		if p == nil || p.Local || maxKF-p.AnchorKF() < ageGate {
			continue
		}
		if !p.Inlier || p.ObsCount() < minObs {
			if err := m.CullPoint(id); err == nil {
				removed++
			}
		}
	}
	for id, l := range m.lines {
		if l == nil || l.Local || maxKF-l.AnchorKF() < ageGate {
			continue
		}
		if !l.Inlier || l.ObsCount() < minObs {
			if err := m.CullLine(id); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		m.logger.Debugf("culled %d stale landmarks", removed)
	}
	return removed
}

// RemoveKeyframe deletes a keyframe from the map. Every landmark observation
// owned by it is removed first (re-anchoring where needed); landmarks for
// which it held the only observation are culled outright. The keyframe slot
// is then nulled and its covisibility and similarity rows retired.
func (m *Map) RemoveKeyframe(id int) error {
	kf := m.Keyframe(id)
	if kf == nil {
		return errors.Errorf("keyframe %d is absent", id)
	}
	if id == 0 {
		return errors.New("the origin keyframe cannot be removed")
	}
	if kf.Frame != nil {
		for _, pt := range kf.Frame.Points {
			if pt == nil || pt.Landmark == frame.NoLandmark {
				continue
			}
			if err := m.detachPointObs(pt.Landmark, id); err != nil {
				return err
			}
		}
		for _, ls := range kf.Frame.Lines {
			if ls == nil || ls.Landmark == frame.NoLandmark {
				continue
			}
			if err := m.detachLineObs(ls.Landmark, id); err != nil {
				return err
			}
		}
	}
	m.cov.RetireKeyframe(id)
	delete(m.pointAnchors, id)
	delete(m.lineAnchors, id)
	m.keyframes[id] = nil
	return nil
}

func (m *Map) detachPointObs(lmID, kfID int) error {
	p := m.Point(lmID)
	if p == nil {
		return errors.Errorf("keyframe %d references absent point landmark %d", kfID, lmID)
	}
	if p.ObsCount() <= 1 {
		return m.CullPoint(lmID)
	}
	for i, k := range p.KFs {
		if k == kfID {
			return m.RemovePointObservation(lmID, i)
		}
	}
	return errors.Errorf("point landmark %d lists no observation from keyframe %d", lmID, kfID)
}

func (m *Map) detachLineObs(lmID, kfID int) error {
	l := m.Line(lmID)
	if l == nil {
		return errors.Errorf("keyframe %d references absent line landmark %d", kfID, lmID)
	}
	if l.ObsCount() <= 1 {
		return m.CullLine(lmID)
	}
	for i, k := range l.KFs {
		if k == kfID {
			return m.RemoveLineObservation(lmID, i)
		}
	}
	return errors.Errorf("line landmark %d lists no observation from keyframe %d", lmID, kfID)
}

// RemoveRedundantKeyframes drops keyframes whose tracked landmarks are almost
// all seen by at least minShared other keyframes; such a keyframe adds little
// constraint to the map. Keyframes inside the local window and the origin are
// never removed. Returns the ids of the removed keyframes.
func (m *Map) RemoveRedundantKeyframes(shareRatio float64, minShared int) []int {
	var removed []int
	for _, kf := range m.keyframes {
		if kf == nil || kf.ID == 0 || kf.Local || kf.Frame == nil {
			continue
		}
		tracked, shared := 0, 0
		for _, pt := range kf.Frame.Points {
			if pt == nil {
				continue
			}
			if p := m.Point(pt.Landmark); p != nil {
				tracked++
				if p.ObsCount() > minShared {
					shared++
				}
			}
		}
		for _, ls := range kf.Frame.Lines {
			if ls == nil {
				continue
			}
			if l := m.Line(ls.Landmark); l != nil {
				tracked++
				if l.ObsCount() > minShared {
					shared++
				}
			}
		}
		if tracked == 0 || float64(shared)/float64(tracked) < shareRatio {
			continue
		}
		if err := m.RemoveKeyframe(kf.ID); err != nil {
			m.logger.Debugw("redundant keyframe removal failed", "keyframe", kf.ID, "error", err)
			continue
		}
		removed = append(removed, kf.ID)
	}
	if len(removed) > 0 {
		m.logger.Debugf("removed %d redundant keyframes", len(removed))
	}
	return removed
}
