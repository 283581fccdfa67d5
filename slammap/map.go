// Package slammap owns the persistent SLAM map: keyframes, point and line
// landmarks, their covisibility structure, and the place-recognition
// similarity scores. All cross-references between entities are plain indices
// into the store's arenas; entity lifetime is controlled here and nowhere
// else. Slots of removed entities stay nil so indices remain stable.
package slammap

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/roverlab/stereoslam/frame"
)

// Map is the map store. It is not internally synchronized beyond the publish
// lock; callers serialize access through the pipeline's one-in-flight
// discipline and take the publish lock around bulk pose/landmark writes.
type Map struct {
	mu sync.Mutex

	model  LineModel
	logger golog.Logger

	keyframes []*Keyframe
	points    []*Point
	lines     []*Line

	cov *Covisibility
	sim *Similarity

	// anchored landmark ids per keyframe, by feature type
	pointAnchors map[int]*roaring.Bitmap
	lineAnchors  map[int]*roaring.Bitmap
}

// NewMap returns an empty map using the given line parameterization.
func NewMap(model LineModel, logger golog.Logger) *Map {
	return &Map{
		model:        model,
		logger:       logger,
		cov:          NewCovisibility(),
		sim:          NewSimilarity(),
		pointAnchors: map[int]*roaring.Bitmap{},
		lineAnchors:  map[int]*roaring.Bitmap{},
	}
}

// Lock takes the publish lock guarding bulk writes of optimization results.
func (m *Map) Lock() { m.mu.Lock() }

// Unlock releases the publish lock.
func (m *Map) Unlock() { m.mu.Unlock() }

// LineModel returns the active line parameterization.
func (m *Map) LineModel() LineModel { return m.model }

// Covisibility exposes the covisibility counts.
func (m *Map) Covisibility() *Covisibility { return m.cov }

// Similarity exposes the place-recognition score store.
func (m *Map) Similarity() *Similarity { return m.sim }

// AddKeyframe registers a keyframe, assigns its identity index, and grows
// every per-keyframe side structure. Must be called before any matching
// against the new keyframe.
func (m *Map) AddKeyframe(kf *Keyframe) int {
	kf.ID = len(m.keyframes)
	kf.Local = true
	m.keyframes = append(m.keyframes, kf)
	m.pointAnchors[kf.ID] = roaring.New()
	m.lineAnchors[kf.ID] = roaring.New()
	return kf.ID
}

// NumKeyframes returns the number of keyframe slots ever created.
func (m *Map) NumKeyframes() int { return len(m.keyframes) }

// MaxKeyframeID returns the newest keyframe index, -1 when empty.
func (m *Map) MaxKeyframeID() int { return len(m.keyframes) - 1 }

// Keyframe returns the keyframe at id, nil when out of range or removed.
func (m *Map) Keyframe(id int) *Keyframe {
	if id < 0 || id >= len(m.keyframes) {
		return nil
	}
	return m.keyframes[id]
}

// Keyframes returns the raw keyframe arena; slots may be nil.
func (m *Map) Keyframes() []*Keyframe { return m.keyframes }

// LastKeyframe returns the newest live keyframe.
func (m *Map) LastKeyframe() *Keyframe {
	for i := len(m.keyframes) - 1; i >= 0; i-- {
		if m.keyframes[i] != nil {
			return m.keyframes[i]
		}
	}
	return nil
}

// Point returns the point landmark at id, nil when out of range or removed.
func (m *Map) Point(id int) *Point {
	if id < 0 || id >= len(m.points) {
		return nil
	}
	return m.points[id]
}

// Points returns the raw point arena; slots may be nil.
func (m *Map) Points() []*Point { return m.points }

// Line returns the line landmark at id, nil when out of range or removed.
func (m *Map) Line(id int) *Line {
	if id < 0 || id >= len(m.lines) {
		return nil
	}
	return m.lines[id]
}

// Lines returns the raw line arena; slots may be nil.
func (m *Map) Lines() []*Line { return m.lines }

// PointAnchors returns the ids of point landmarks anchored at a keyframe.
func (m *Map) PointAnchors(kfID int) *roaring.Bitmap { return m.pointAnchors[kfID] }

// LineAnchors returns the ids of line landmarks anchored at a keyframe.
func (m *Map) LineAnchors(kfID int) *roaring.Bitmap { return m.lineAnchors[kfID] }

// CreatePoint creates a point landmark anchored at a keyframe with a single
// initial observation. The covisibility update happens as later observations
// arrive.
func (m *Map) CreatePoint(anchorKF int, desc frame.Descriptor, obs r2.Point, dir, pos r3.Vector) (*Point, error) {
	if m.Keyframe(anchorKF) == nil {
		return nil, errors.Errorf("anchor keyframe %d is absent", anchorKF)
	}
	p := &Point{
		ID:     len(m.points),
		Pos:    pos,
		Descs:  []frame.Descriptor{desc},
		Obs:    []r2.Point{obs},
		Dirs:   []r3.Vector{dir},
		KFs:    []int{anchorKF},
		Local:  true,
		Inlier: true,
	}
	p.refreshRepresentative()
	m.points = append(m.points, p)
	m.pointAnchors[anchorKF].Add(uint32(p.ID))
	return p, nil
}

// AddPointObservation appends an observation to a point landmark and
// increments the covisibility count of every keyframe pair that now newly
// shares it.
func (m *Map) AddPointObservation(id int, desc frame.Descriptor, kfID int, obs r2.Point, dir r3.Vector) error {
	p := m.Point(id)
	if p == nil {
		return errors.Errorf("point landmark %d is absent", id)
	}
	if m.Keyframe(kfID) == nil {
		return errors.Errorf("keyframe %d is absent", kfID)
	}
	for _, other := range p.KFs {
		if other != kfID {
			m.cov.Increment(kfID, other)
		}
	}
	p.Descs = append(p.Descs, desc)
	p.Obs = append(p.Obs, obs)
	p.Dirs = append(p.Dirs, dir)
	p.KFs = append(p.KFs, kfID)
	p.refreshRepresentative()
	return nil
}

// RemovePointObservation removes the observation at obsIdx, re-anchoring the
// landmark when the anchoring observation goes away and decrementing the
// covisibility pairs that no longer share it. A landmark that would drop to
// zero useful observations is flagged non-inlier instead of being touched.
func (m *Map) RemovePointObservation(id, obsIdx int) error {
	p := m.Point(id)
	if p == nil {
		return errors.Errorf("point landmark %d is absent", id)
	}
	if obsIdx < 0 || obsIdx >= p.ObsCount() {
		return errors.Errorf("point %d has no observation %d", id, obsIdx)
	}
	if p.ObsCount() <= 1 {
		p.Inlier = false
		return nil
	}
	owner := p.KFs[obsIdx]
	// re-anchor before any covisibility change: the landmark must never be
	// left without an owning keyframe that lists it
	if obsIdx == 0 {
		m.pointAnchors[owner].Remove(uint32(id))
		m.pointAnchors[p.KFs[1]].Add(uint32(id))
	}
	p.Descs = append(p.Descs[:obsIdx], p.Descs[obsIdx+1:]...)
	p.Obs = append(p.Obs[:obsIdx], p.Obs[obsIdx+1:]...)
	p.Dirs = append(p.Dirs[:obsIdx], p.Dirs[obsIdx+1:]...)
	p.KFs = append(p.KFs[:obsIdx], p.KFs[obsIdx+1:]...)
	m.clearPointFeature(owner, id)
	for _, other := range p.KFs {
		if other != owner {
			m.cov.Decrement(owner, other)
		}
	}
	p.refreshRepresentative()
	return nil
}

// CullPoint destroys a point landmark: clears its raw-feature links and
// anchor bookkeeping, decrements all of its covisibility pairs, and nulls
// the slot.
func (m *Map) CullPoint(id int) error {
	p := m.Point(id)
	if p == nil {
		return errors.Errorf("point landmark %d is absent", id)
	}
	for i, a := range p.KFs {
		m.clearPointFeature(a, id)
		for _, b := range p.KFs[i+1:] {
			m.cov.Decrement(a, b)
		}
	}
	m.pointAnchors[p.AnchorKF()].Remove(uint32(id))
	m.points[id] = nil
	return nil
}

// dropPointSlot nulls a point slot without touching covisibility; used by
// fusion, where the counts have been transferred to the surviving landmark.
func (m *Map) dropPointSlot(id int) {
	p := m.points[id]
	m.pointAnchors[p.AnchorKF()].Remove(uint32(id))
	m.points[id] = nil
}

// MergePoints fuses landmark src into landmark dst: concatenates all
// observation lists, increments the covisibility count once per newly shared
// keyframe pair, retargets src's raw-feature links to dst, and removes src.
func (m *Map) MergePoints(dst, src int) error {
	a := m.Point(dst)
	b := m.Point(src)
	if a == nil || b == nil {
		return errors.Errorf("cannot merge points %d <- %d: absent landmark", dst, src)
	}
	if dst == src {
		return errors.Errorf("cannot merge point %d into itself", dst)
	}
	preKFs := append([]int(nil), a.KFs...)
	for obs, j := range b.KFs {
		for _, i := range preKFs {
			m.cov.Increment(i, j)
		}
		m.retargetPointFeature(j, src, dst)
		a.Descs = append(a.Descs, b.Descs[obs])
		a.Obs = append(a.Obs, b.Obs[obs])
		a.Dirs = append(a.Dirs, b.Dirs[obs])
		a.KFs = append(a.KFs, j)
	}
	a.refreshRepresentative()
	m.dropPointSlot(src)
	return nil
}

// CreateLine creates a line landmark anchored at a keyframe.
func (m *Map) CreateLine(anchorKF int, desc frame.Descriptor, lineEq r3.Vector, seg PixelSegment, dir, sp, ep r3.Vector) (*Line, error) {
	if m.Keyframe(anchorKF) == nil {
		return nil, errors.Errorf("anchor keyframe %d is absent", anchorKF)
	}
	l := &Line{
		ID:     len(m.lines),
		SP:     sp,
		EP:     ep,
		Descs:  []frame.Descriptor{desc},
		Obs:    []r3.Vector{lineEq},
		Segs:   []PixelSegment{seg},
		Dirs:   []r3.Vector{dir},
		KFs:    []int{anchorKF},
		Local:  true,
		Inlier: true,
	}
	l.refreshRepresentative()
	m.lines = append(m.lines, l)
	m.lineAnchors[anchorKF].Add(uint32(l.ID))
	return l, nil
}

// AddLineObservation appends an observation to a line landmark, updating
// covisibility like AddPointObservation.
func (m *Map) AddLineObservation(id int, desc frame.Descriptor, kfID int, lineEq r3.Vector, seg PixelSegment, dir r3.Vector) error {
	l := m.Line(id)
	if l == nil {
		return errors.Errorf("line landmark %d is absent", id)
	}
	if m.Keyframe(kfID) == nil {
		return errors.Errorf("keyframe %d is absent", kfID)
	}
	for _, other := range l.KFs {
		if other != kfID {
			m.cov.Increment(kfID, other)
		}
	}
	l.Descs = append(l.Descs, desc)
	l.Obs = append(l.Obs, lineEq)
	l.Segs = append(l.Segs, seg)
	l.Dirs = append(l.Dirs, dir)
	l.KFs = append(l.KFs, kfID)
	l.refreshRepresentative()
	return nil
}

// RemoveLineObservation mirrors RemovePointObservation for line landmarks.
func (m *Map) RemoveLineObservation(id, obsIdx int) error {
	l := m.Line(id)
	if l == nil {
		return errors.Errorf("line landmark %d is absent", id)
	}
	if obsIdx < 0 || obsIdx >= l.ObsCount() {
		return errors.Errorf("line %d has no observation %d", id, obsIdx)
	}
	if l.ObsCount() <= 1 {
		l.Inlier = false
		return nil
	}
	owner := l.KFs[obsIdx]
	if obsIdx == 0 {
		m.lineAnchors[owner].Remove(uint32(id))
		m.lineAnchors[l.KFs[1]].Add(uint32(id))
	}
	l.Descs = append(l.Descs[:obsIdx], l.Descs[obsIdx+1:]...)
	l.Obs = append(l.Obs[:obsIdx], l.Obs[obsIdx+1:]...)
	l.Segs = append(l.Segs[:obsIdx], l.Segs[obsIdx+1:]...)
	l.Dirs = append(l.Dirs[:obsIdx], l.Dirs[obsIdx+1:]...)
	l.KFs = append(l.KFs[:obsIdx], l.KFs[obsIdx+1:]...)
	m.clearLineFeature(owner, id)
	for _, other := range l.KFs {
		if other != owner {
			m.cov.Decrement(owner, other)
		}
	}
	l.refreshRepresentative()
	return nil
}

// CullLine mirrors CullPoint for line landmarks.
func (m *Map) CullLine(id int) error {
	l := m.Line(id)
	if l == nil {
		return errors.Errorf("line landmark %d is absent", id)
	}
	for i, a := range l.KFs {
		m.clearLineFeature(a, id)
		for _, b := range l.KFs[i+1:] {
			m.cov.Decrement(a, b)
		}
	}
	m.lineAnchors[l.AnchorKF()].Remove(uint32(id))
	m.lines[id] = nil
	return nil
}

func (m *Map) dropLineSlot(id int) {
	l := m.lines[id]
	m.lineAnchors[l.AnchorKF()].Remove(uint32(id))
	m.lines[id] = nil
}

// MergeLines mirrors MergePoints for line landmarks.
func (m *Map) MergeLines(dst, src int) error {
	a := m.Line(dst)
	b := m.Line(src)
	if a == nil || b == nil {
		return errors.Errorf("cannot merge lines %d <- %d: absent landmark", dst, src)
	}
	if dst == src {
		return errors.Errorf("cannot merge line %d into itself", dst)
	}
	preKFs := append([]int(nil), a.KFs...)
	for obs, j := range b.KFs {
		for _, i := range preKFs {
			m.cov.Increment(i, j)
		}
		m.retargetLineFeature(j, src, dst)
		a.Descs = append(a.Descs, b.Descs[obs])
		a.Obs = append(a.Obs, b.Obs[obs])
		a.Segs = append(a.Segs, b.Segs[obs])
		a.Dirs = append(a.Dirs, b.Dirs[obs])
		a.KFs = append(a.KFs, j)
	}
	a.refreshRepresentative()
	m.dropLineSlot(src)
	return nil
}

func (m *Map) clearPointFeature(kfID, lmID int) {
	kf := m.Keyframe(kfID)
	if kf == nil || kf.Frame == nil {
		return
	}
	for _, pt := range kf.Frame.Points {
		if pt != nil && pt.Landmark == lmID {
			pt.Landmark = frame.NoLandmark
			return
		}
	}
}

func (m *Map) retargetPointFeature(kfID, from, to int) {
	kf := m.Keyframe(kfID)
	if kf == nil || kf.Frame == nil {
		return
	}
	for _, pt := range kf.Frame.Points {
		if pt != nil && pt.Landmark == from {
			pt.Landmark = to
			return
		}
	}
}

func (m *Map) clearLineFeature(kfID, lmID int) {
	kf := m.Keyframe(kfID)
	if kf == nil || kf.Frame == nil {
		return
	}
	for _, ls := range kf.Frame.Lines {
		if ls != nil && ls.Landmark == lmID {
			ls.Landmark = frame.NoLandmark
			return
		}
	}
}

func (m *Map) retargetLineFeature(kfID, from, to int) {
	kf := m.Keyframe(kfID)
	if kf == nil || kf.Frame == nil {
		return
	}
	for _, ls := range kf.Frame.Lines {
		if ls != nil && ls.Landmark == from {
			ls.Landmark = to
			return
		}
	}
}
