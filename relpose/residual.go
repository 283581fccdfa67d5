package relpose

import (
	"github.com/golang/geo/r3"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/spatial"
)

const minDepth = 1e-6

// pointResidual is the 2D reprojection error of a transformed point. A point
// behind the camera has no valid projection and reports ok=false.
func pointResidual(cam *camera.StereoCamera, pose spatial.Pose, po PointObs) ([2]float64, bool) {
	pc := pose.TransformPoint(po.P)
	if pc.Z < minDepth {
		return [2]float64{}, false
	}
	px := cam.Project(pc)
	return [2]float64{px.X - po.Obs.X, px.Y - po.Obs.Y}, true
}

// pointResidualJac returns the residual and its Jacobian with respect to a
// left-multiplicative pose increment (translation first, then rotation).
func pointResidualJac(cam *camera.StereoCamera, pose spatial.Pose, po PointObs) ([2]float64, [2][6]float64, bool) {
	pc := pose.TransformPoint(po.P)
	if pc.Z < minDepth {
		return [2]float64{}, [2][6]float64{}, false
	}
	px := cam.Project(pc)
	r := [2]float64{px.X - po.Obs.X, px.Y - po.Obs.Y}
	return r, projectionJac(cam, pc), true
}

// lineResidual stacks the signed algebraic distances of both projected
// endpoints to the observed pixel line equation. An endpoint behind the
// camera has no valid projection and reports ok=false.
func lineResidual(cam *camera.StereoCamera, pose spatial.Pose, lo LineObs) ([2]float64, bool) {
	var r [2]float64
	for i, p := range [2]r3.Vector{lo.SP, lo.EP} {
		pc := pose.TransformPoint(p)
		if pc.Z < minDepth {
			return [2]float64{}, false
		}
		px := cam.Project(pc)
		r[i] = lo.LineEq.X*px.X + lo.LineEq.Y*px.Y + lo.LineEq.Z
	}
	return r, true
}

// lineResidualJac returns the stacked endpoint residual and its Jacobian.
// Each row is the line-equation-projected Jacobian of one endpoint.
func lineResidualJac(cam *camera.StereoCamera, pose spatial.Pose, lo LineObs) ([2]float64, [2][6]float64, bool) {
	var r [2]float64
	var J [2][6]float64
	for i, p := range [2]r3.Vector{lo.SP, lo.EP} {
		pc := pose.TransformPoint(p)
		if pc.Z < minDepth {
			return r, J, false
		}
		px := cam.Project(pc)
		r[i] = lo.LineEq.X*px.X + lo.LineEq.Y*px.Y + lo.LineEq.Z
		pj := projectionJac(cam, pc)
		for a := 0; a < 6; a++ {
			J[i][a] = lo.LineEq.X*pj[0][a] + lo.LineEq.Y*pj[1][a]
		}
	}
	return r, J, true
}

// projectionJac chains the pinhole projection Jacobian with the derivative
// of the transformed point with respect to the pose increment, which is
// [I | -skew(pc)] for a left-multiplicative update.
func projectionJac(cam *camera.StereoCamera, pc r3.Vector) [2][6]float64 {
	invZ := 1.0 / pc.Z
	invZ2 := invZ * invZ
	// d(pixel)/d(camera point)
	gx := [3]float64{cam.Fx * invZ, 0, -cam.Fx * pc.X * invZ2}
	gy := [3]float64{0, cam.Fy * invZ, -cam.Fy * pc.Y * invZ2}
	// d(camera point)/d(increment): translation columns then rotation
	dp := [3][6]float64{
		{1, 0, 0, 0, pc.Z, -pc.Y},
		{0, 1, 0, -pc.Z, 0, pc.X},
		{0, 0, 1, pc.Y, -pc.X, 0},
	}
	var J [2][6]float64
	for a := 0; a < 6; a++ {
		J[0][a] = gx[0]*dp[0][a] + gx[1]*dp[1][a] + gx[2]*dp[2][a]
		J[1][a] = gy[0]*dp[0][a] + gy[1]*dp[1][a] + gy[2]*dp[2][a]
	}
	return J
}
