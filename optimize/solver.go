package optimize

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
)

const (
	fdEps    = 1e-6
	minDepth = 1e-6
)

// baState carries the optimizable parameters between iterations. Poses are
// stored world-to-camera so residual evaluation composes nothing; camera-to
// world is restored on write-back.
type baState struct {
	kfIDs   []int            // optimizable keyframes, in ascending order
	poseOff map[int]int      // keyframe id -> parameter offset
	w2c     map[int]spatial.Pose

	ptIDs  []int
	ptOff  map[int]int
	ptPos  map[int]r3.Vector

	lnIDs  []int
	lnOff  map[int]int
	lnPar  map[int][]float64
	lnEnds map[int][2]r3.Vector

	dim int
}

func (o *Optimizer) run(kfs, pts, lns []int) error {
	if len(kfs) < 1 || len(pts)+len(lns) == 0 {
		return nil
	}
	st := o.buildState(kfs, pts, lns)
	if st.dim == 0 {
		return nil
	}

	model := o.mp.LineModel()
	lambda := -1.0
	prevErr := o.evaluateError(st)
	for it := 0; it < o.cfg.MaxIters; it++ {
		H, g := o.linearize(st)
		if lambda < 0 {
			maxDiag := 0.0
			for i := 0; i < st.dim; i++ {
				if d := math.Abs(H.At(i, i)); d > maxDiag {
					maxDiag = d
				}
			}
			lambda = o.cfg.LambdaFactor * maxDiag
			if lambda == 0 {
				lambda = o.cfg.LambdaFactor
			}
		}

		accepted := false
		var stepNorm, newErr float64
		for try := 0; try < 5; try++ {
			dx, ok := solveDamped(H, g, lambda, st.dim)
			if !ok {
				lambda *= 3
				continue
			}
			cand := st.applyStep(dx, model)
			newErr = o.evaluateError(cand)
			if newErr < prevErr {
				st = cand
				stepNorm = norm(dx)
				lambda /= 3
				accepted = true
				break
			}
			lambda *= 3
		}
		if !accepted {
			break
		}
		if math.Abs(prevErr-newErr) < o.cfg.MinErrChange || newErr < o.cfg.MinErrChange || stepNorm < o.cfg.MinStepNorm {
			prevErr = newErr
			break
		}
		prevErr = newErr
	}

	o.publish(st)
	return o.prune(st)
}

func (o *Optimizer) buildState(kfs, pts, lns []int) *baState {
	st := &baState{
		poseOff: map[int]int{},
		w2c:     map[int]spatial.Pose{},
		ptOff:   map[int]int{},
		ptPos:   map[int]r3.Vector{},
		lnOff:   map[int]int{},
		lnPar:   map[int][]float64{},
		lnEnds:  map[int][2]r3.Vector{},
	}
	model := o.mp.LineModel()

	// the oldest keyframe anchors the gauge
	anchor := kfs[0]
	for _, id := range kfs {
		if id < anchor {
			anchor = id
		}
	}
	off := 0
	for _, id := range kfs {
		st.w2c[id] = o.mp.Keyframe(id).WorldToCamera()
		if id == anchor {
			continue
		}
		st.kfIDs = append(st.kfIDs, id)
		st.poseOff[id] = off
		off += 6
	}
	for _, id := range pts {
		p := o.mp.Point(id)
		st.ptIDs = append(st.ptIDs, id)
		st.ptOff[id] = off
		st.ptPos[id] = p.Pos
		o.ensurePoses(st, p.KFs)
		off += 3
	}
	for _, id := range lns {
		l := o.mp.Line(id)
		st.lnIDs = append(st.lnIDs, id)
		st.lnOff[id] = off
		st.lnPar[id] = model.Params(l)
		st.lnEnds[id] = [2]r3.Vector{l.SP, l.EP}
		o.ensurePoses(st, l.KFs)
		off += model.Dim()
	}
	st.dim = off
	return st
}

// ensurePoses loads fixed poses for observing keyframes outside the window.
func (o *Optimizer) ensurePoses(st *baState, kfIDs []int) {
	for _, id := range kfIDs {
		if _, ok := st.w2c[id]; ok {
			continue
		}
		if kf := o.mp.Keyframe(id); kf != nil {
			st.w2c[id] = kf.WorldToCamera()
		}
	}
}

// applyStep returns a copy of the state advanced by dx: manifold composition
// for poses, Euclidean update for landmark parameters.
func (st *baState) applyStep(dx []float64, model slammap.LineModel) *baState {
	next := &baState{
		kfIDs: st.kfIDs, poseOff: st.poseOff,
		ptIDs: st.ptIDs, ptOff: st.ptOff,
		lnIDs: st.lnIDs, lnOff: st.lnOff,
		dim: st.dim,
		w2c: make(map[int]spatial.Pose, len(st.w2c)),
		ptPos: make(map[int]r3.Vector, len(st.ptPos)),
		lnPar: make(map[int][]float64, len(st.lnPar)),
		lnEnds: make(map[int][2]r3.Vector, len(st.lnEnds)),
	}
	for id, p := range st.w2c {
		next.w2c[id] = p
	}
	for _, id := range st.kfIDs {
		var inc spatial.Vec6
		copy(inc[:], dx[st.poseOff[id]:st.poseOff[id]+6])
		next.w2c[id] = spatial.Exp(inc).Compose(st.w2c[id])
	}
	for id, pos := range st.ptPos {
		off := st.ptOff[id]
		next.ptPos[id] = pos.Add(r3.Vector{X: dx[off], Y: dx[off+1], Z: dx[off+2]})
	}
	for id, par := range st.lnPar {
		off := st.lnOff[id]
		upd := make([]float64, len(par))
		for i := range par {
			upd[i] = par[i] + dx[off+i]
		}
		next.lnPar[id] = upd
		next.lnEnds[id] = applyLineParams(model, st.lnEnds[id], upd)
	}
	return next
}

// applyLineParams reconstructs segment endpoints from an updated parameter
// vector, starting from the current endpoints.
func applyLineParams(model slammap.LineModel, ends [2]r3.Vector, params []float64) [2]r3.Vector {
	scratch := &slammap.Line{SP: ends[0], EP: ends[1]}
	model.Apply(scratch, params)
	return [2]r3.Vector{scratch.SP, scratch.EP}
}

// publish writes the refined state back into the map store under the
// publish lock.
func (o *Optimizer) publish(st *baState) {
	o.mp.Lock()
	defer o.mp.Unlock()
	for _, id := range st.kfIDs {
		if kf := o.mp.Keyframe(id); kf != nil {
			kf.Pose = st.w2c[id].Inverse()
		}
	}
	for _, id := range st.ptIDs {
		if p := o.mp.Point(id); p != nil {
			p.Pos = st.ptPos[id]
		}
	}
	for _, id := range st.lnIDs {
		if l := o.mp.Line(id); l != nil {
			ends := st.lnEnds[id]
			l.SP, l.EP = ends[0], ends[1]
		}
	}
}

// prune removes observations that stayed past the chi-square gate at the
// solution and flags landmarks whose mean residual remains out of tolerance.
func (o *Optimizer) prune(st *baState) error {
	type obsRef struct{ lm, kf int }
	var badPts, badLns []obsRef

	for _, id := range st.ptIDs {
		p := o.mp.Point(id)
		if p == nil {
			continue
		}
		sum, n := 0.0, 0
		for k, kfID := range p.KFs {
			pose, ok := st.w2c[kfID]
			if !ok {
				continue
			}
			r, valid := o.pointObsResidual(pose, st.ptPos[id], p, k)
			if !valid {
				continue
			}
			norm2 := r[0]*r[0] + r[1]*r[1]
			sum += math.Sqrt(norm2)
			n++
			if norm2 > chi2Gate2D {
				badPts = append(badPts, obsRef{id, kfID})
			}
		}
		if n > 0 && sum/float64(n) > o.cfg.MaxResidual {
			p.Inlier = false
		}
	}
	for _, id := range st.lnIDs {
		l := o.mp.Line(id)
		if l == nil {
			continue
		}
		ends := st.lnEnds[id]
		sum, n := 0.0, 0
		for k, kfID := range l.KFs {
			pose, ok := st.w2c[kfID]
			if !ok {
				continue
			}
			r, valid := o.lineObsResidual(pose, ends, l, k)
			if !valid {
				continue
			}
			norm2 := r[0]*r[0] + r[1]*r[1]
			sum += math.Sqrt(norm2)
			n++
			if norm2 > chi2Gate2D {
				badLns = append(badLns, obsRef{id, kfID})
			}
		}
		if n > 0 && sum/float64(n) > o.cfg.MaxResidual {
			l.Inlier = false
		}
	}

	removed := 0
	for _, ref := range badPts {
		p := o.mp.Point(ref.lm)
		if p == nil {
			continue
		}
		for k, kfID := range p.KFs {
			if kfID == ref.kf {
				if err := o.mp.RemovePointObservation(ref.lm, k); err != nil {
					return err
				}
				removed++
				break
			}
		}
	}
	for _, ref := range badLns {
		l := o.mp.Line(ref.lm)
		if l == nil {
			continue
		}
		for k, kfID := range l.KFs {
			if kfID == ref.kf {
				if err := o.mp.RemoveLineObservation(ref.lm, k); err != nil {
					return err
				}
				removed++
				break
			}
		}
	}
	if removed > 0 {
		o.logger.Debugf("pruned %d observations after optimization", removed)
	}
	return nil
}

func solveDamped(H *mat.SymDense, g []float64, lambda float64, dim int) ([]float64, bool) {
	damped := mat.NewSymDense(dim, nil)
	damped.CopySym(H)
	for i := 0; i < dim; i++ {
		damped.SetSym(i, i, damped.At(i, i)+lambda)
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil, false
	}
	rhs := mat.NewVecDense(dim, nil)
	for i, v := range g {
		rhs.SetVec(i, -v)
	}
	var sol mat.VecDense
	if err := chol.SolveVecTo(&sol, rhs); err != nil {
		return nil, false
	}
	dx := make([]float64, dim)
	for i := range dx {
		dx[i] = sol.AtVec(i)
	}
	return dx, true
}

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}
