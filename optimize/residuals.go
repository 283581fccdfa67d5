package optimize

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
)

// jacEntry is one nonzero of a residual-row Jacobian.
type jacEntry struct {
	idx int
	val float64
}

// pointObsResidual evaluates one point observation against a candidate pose
// and position.
func (o *Optimizer) pointObsResidual(pose spatial.Pose, pos r3.Vector, p *slammap.Point, k int) ([2]float64, bool) {
	pc := pose.TransformPoint(pos)
	if pc.Z < minDepth {
		return [2]float64{}, false
	}
	px := o.cam.Project(pc)
	return [2]float64{px.X - p.Obs[k].X, px.Y - p.Obs[k].Y}, true
}

// lineObsResidual evaluates one line observation: the algebraic distances of
// both projected endpoints to the observed pixel line equation.
func (o *Optimizer) lineObsResidual(pose spatial.Pose, ends [2]r3.Vector, l *slammap.Line, k int) ([2]float64, bool) {
	var r [2]float64
	eq := l.Obs[k]
	for i, p := range ends {
		pc := pose.TransformPoint(p)
		if pc.Z < minDepth {
			return r, false
		}
		px := o.cam.Project(pc)
		r[i] = eq.X*px.X + eq.Y*px.Y + eq.Z
	}
	return r, true
}

// evaluateError computes the robustified total error of a state, normalized
// per feature class so one abundant class cannot drown the other.
func (o *Optimizer) evaluateError(st *baState) float64 {
	errPts, nPts := 0.0, 0
	for _, id := range st.ptIDs {
		p := o.mp.Point(id)
		if p == nil {
			continue
		}
		pos := st.ptPos[id]
		for k, kfID := range p.KFs {
			pose, ok := st.w2c[kfID]
			if !ok {
				continue
			}
			r, valid := o.pointObsResidual(pose, pos, p, k)
			if !valid {
				continue
			}
			norm2 := r[0]*r[0] + r[1]*r[1]
			errPts += norm2 / (1 + norm2)
			nPts++
		}
	}
	errLns, nLns := 0.0, 0
	for _, id := range st.lnIDs {
		l := o.mp.Line(id)
		if l == nil {
			continue
		}
		ends := st.lnEnds[id]
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
			errLns += norm2 / (1 + norm2)
			nLns++
		}
	}
	total := 0.0
	if nPts > 0 {
		total += errPts / float64(nPts)
	}
	if nLns > 0 {
		total += errLns / float64(nLns)
	}
	return total
}

// linearize assembles the normal equations of the current state.
func (o *Optimizer) linearize(st *baState) (*mat.SymDense, []float64) {
	H := mat.NewSymDense(st.dim, nil)
	g := make([]float64, st.dim)
	model := o.mp.LineModel()

	accumulate := func(r float64, row []jacEntry, w float64) {
		for a := 0; a < len(row); a++ {
			ea := row[a]
			g[ea.idx] += w * ea.val * r
			for b := a; b < len(row); b++ {
				eb := row[b]
				i, j := ea.idx, eb.idx
				if i > j {
					i, j = j, i
				}
				H.SetSym(i, j, H.At(i, j)+w*ea.val*eb.val)
			}
		}
	}

	for _, id := range st.ptIDs {
		p := o.mp.Point(id)
		if p == nil {
			continue
		}
		pos := st.ptPos[id]
		for k, kfID := range p.KFs {
			pose, ok := st.w2c[kfID]
			if !ok {
				continue
			}
			pc := pose.TransformPoint(pos)
			if pc.Z < minDepth {
				continue
			}
			px := o.cam.Project(pc)
			r := [2]float64{px.X - p.Obs[k].X, px.Y - p.Obs[k].Y}
			norm2 := r[0]*r[0] + r[1]*r[1]
			w := 1.0 / (1.0 + norm2)

			jp := o.projJac(pc)
			rot := rotationColumns(pose)
			for row := 0; row < 2; row++ {
				var entries []jacEntry
				if off, ok := lookupOffset(st.poseOff, kfID); ok {
					pj := poseRowJac(jp[row], pc)
					for a := 0; a < 6; a++ {
						entries = append(entries, jacEntry{off + a, pj[a]})
					}
				}
				off := st.ptOff[id]
				for a := 0; a < 3; a++ {
					v := jp[row][0]*rot[0][a] + jp[row][1]*rot[1][a] + jp[row][2]*rot[2][a]
					entries = append(entries, jacEntry{off + a, v})
				}
				accumulate(r[row], entries, w)
			}
		}
	}

	for _, id := range st.lnIDs {
		l := o.mp.Line(id)
		if l == nil {
			continue
		}
		ends := st.lnEnds[id]
		params := st.lnPar[id]
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
			w := 1.0 / (1.0 + norm2)
			eq := l.Obs[k]

			// landmark part by finite differences on the model parameters
			dim := model.Dim()
			fd := make([][2]float64, dim)
			for i := 0; i < dim; i++ {
				pert := make([]float64, dim)
				copy(pert, params)
				pert[i] += fdEps
				pends := applyLineParams(model, ends, pert)
				rp, pvalid := o.lineObsResidual(pose, pends, l, k)
				if !pvalid {
					continue
				}
				fd[i] = [2]float64{(rp[0] - r[0]) / fdEps, (rp[1] - r[1]) / fdEps}
			}

			for row := 0; row < 2; row++ {
				var entries []jacEntry
				if off, ok := lookupOffset(st.poseOff, kfID); ok {
					pc := pose.TransformPoint(ends[row])
					jp := o.projJac(pc)
					lrow := [3]float64{
						eq.X*jp[0][0] + eq.Y*jp[1][0],
						eq.X*jp[0][1] + eq.Y*jp[1][1],
						eq.X*jp[0][2] + eq.Y*jp[1][2],
					}
					pj := poseRowJac(lrow, pc)
					for a := 0; a < 6; a++ {
						entries = append(entries, jacEntry{off + a, pj[a]})
					}
				}
				off := st.lnOff[id]
				for a := 0; a < dim; a++ {
					entries = append(entries, jacEntry{off + a, fd[a][row]})
				}
				accumulate(r[row], entries, w)
			}
		}
	}

	return H, g
}

// projJac is the pinhole projection Jacobian with respect to the camera
// frame point.
func (o *Optimizer) projJac(pc r3.Vector) [2][3]float64 {
	invZ := 1.0 / pc.Z
	invZ2 := invZ * invZ
	return [2][3]float64{
		{o.cam.Fx * invZ, 0, -o.cam.Fx * pc.X * invZ2},
		{0, o.cam.Fy * invZ, -o.cam.Fy * pc.Y * invZ2},
	}
}

// poseRowJac chains one projection row with the derivative of the camera
// frame point under a left-multiplicative pose increment, [I | -skew(pc)].
func poseRowJac(row [3]float64, pc r3.Vector) [6]float64 {
	return [6]float64{
		row[0],
		row[1],
		row[2],
		row[1]*-pc.Z + row[2]*pc.Y,
		row[0]*pc.Z + row[2]*-pc.X,
		row[0]*-pc.Y + row[1]*pc.X,
	}
}

// rotationColumns extracts the rotation of a pose as row-major 3x3 entries.
func rotationColumns(p spatial.Pose) [3][3]float64 {
	ex := p.TransformDir(r3.Vector{X: 1})
	ey := p.TransformDir(r3.Vector{Y: 1})
	ez := p.TransformDir(r3.Vector{Z: 1})
	return [3][3]float64{
		{ex.X, ey.X, ez.X},
		{ex.Y, ey.Y, ez.Y},
		{ex.Z, ey.Z, ez.Z},
	}
}

func lookupOffset(m map[int]int, key int) (int, bool) {
	off, ok := m[key]
	return off, ok
}
