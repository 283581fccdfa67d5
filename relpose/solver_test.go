package relpose

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/spatial"
)

func testCamera() *camera.StereoCamera {
	return &camera.StereoCamera{
		Width: 640, Height: 480,
		Fx: 500, Fy: 500, Ppx: 320, Ppy: 240,
		Baseline: 0.1,
	}
}

// scenePoints spreads 3D points across the frustum a few meters out.
func scenePoints() []r3.Vector {
	var pts []r3.Vector
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			pts = append(pts, r3.Vector{
				X: -0.9 + 0.6*float64(i),
				Y: -0.6 + 0.4*float64(j),
				Z: 3 + 0.3*float64(i+j),
			})
		}
	}
	return pts
}

func observations(cam *camera.StereoCamera, truth spatial.Pose, pts []r3.Vector) []PointObs {
	var obs []PointObs
	for _, p := range pts {
		obs = append(obs, PointObs{P: p, Obs: cam.Project(truth.TransformPoint(p))})
	}
	return obs
}

func lineEqFromEndpoints(cam *camera.StereoCamera, truth spatial.Pose, sp, ep r3.Vector) r3.Vector {
	a := cam.Project(truth.TransformPoint(sp))
	b := cam.Project(truth.TransformPoint(ep))
	// line through two homogeneous pixels, normalized so the algebraic
	// distance is in pixels
	l := r3.Vector{X: a.X, Y: a.Y, Z: 1}.Cross(r3.Vector{X: b.X, Y: b.Y, Z: 1})
	n := math.Hypot(l.X, l.Y)
	return l.Mul(1 / n)
}

func TestSolveRecoversTransform(t *testing.T) {
	cam := testCamera()
	truth := spatial.Exp(spatial.Vec6{0.04, -0.02, 0.05, 0.01, -0.02, 0.015})
	obs := observations(cam, truth, scenePoints())

	res, err := Solve(cam, obs, nil, spatial.Identity(), DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Residual, test.ShouldBeLessThan, 1e-4)
	test.That(t, len(res.PointInliers), test.ShouldEqual, len(obs))

	diff := spatial.Log(res.Pose.Compose(truth.Inverse()))
	test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-4)
}

func TestSolveWithLines(t *testing.T) {
	cam := testCamera()
	truth := spatial.Exp(spatial.Vec6{0.03, 0.01, -0.02, -0.01, 0.02, 0.01})
	obs := observations(cam, truth, scenePoints()[:8])

	var lines []LineObs
	for i := 0; i < 4; i++ {
		sp := r3.Vector{X: -1 + 0.5*float64(i), Y: -0.4, Z: 4}
		ep := sp.Add(r3.Vector{X: 0.8, Y: 0.5, Z: 0.4})
		lines = append(lines, LineObs{SP: sp, EP: ep, LineEq: lineEqFromEndpoints(cam, truth, sp, ep)})
	}

	res, err := Solve(cam, obs, lines, spatial.Identity(), DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.LineInliers), test.ShouldEqual, len(lines))

	diff := spatial.Log(res.Pose.Compose(truth.Inverse()))
	test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-4)
}

func TestSolvePrunesOutliers(t *testing.T) {
	cam := testCamera()
	truth := spatial.Exp(spatial.Vec6{0.02, 0, 0.03, 0, 0.01, 0})
	obs := observations(cam, truth, scenePoints())
	// corrupt two observations well past the chi-square gate
	obs[3].Obs.X += 40
	obs[11].Obs.Y -= 35

	res, err := Solve(cam, obs, nil, spatial.Identity(), DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.PointInliers), test.ShouldEqual, len(obs)-2)
	for _, idx := range res.PointInliers {
		test.That(t, idx, test.ShouldNotEqual, 3)
		test.That(t, idx, test.ShouldNotEqual, 11)
	}

	diff := spatial.Log(res.Pose.Compose(truth.Inverse()))
	test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-3)
}

func TestSolveExcludesBehindCameraPoints(t *testing.T) {
	cam := testCamera()
	truth := spatial.Exp(spatial.Vec6{0.02, 0, 0.03, 0, 0.01, 0})
	obs := observations(cam, truth, scenePoints())
	// a point behind the camera has no projection and must not count as an
	// inlier just because its residual cannot be evaluated
	obs = append(obs, PointObs{P: r3.Vector{Z: -3}, Obs: obs[0].Obs})
	behind := len(obs) - 1

	res, err := Solve(cam, obs, nil, spatial.Identity(), DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.PointInliers), test.ShouldEqual, len(obs)-1)
	for _, idx := range res.PointInliers {
		test.That(t, idx, test.ShouldNotEqual, behind)
	}

	diff := spatial.Log(res.Pose.Compose(truth.Inverse()))
	test.That(t, diff.Norm(), test.ShouldBeLessThan, 1e-3)
}

func TestSolveDeterministic(t *testing.T) {
	cam := testCamera()
	truth := spatial.Exp(spatial.Vec6{0.02, -0.01, 0.02, 0.01, 0, -0.01})
	obs := observations(cam, truth, scenePoints())
	obs[5].Obs.X += 30

	a, err := Solve(cam, obs, nil, spatial.Identity(), DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	b, err := Solve(cam, obs, nil, spatial.Identity(), DefaultConfig())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.PointInliers, test.ShouldResemble, b.PointInliers)
	test.That(t, a.Increment, test.ShouldResemble, b.Increment)
	test.That(t, a.Residual, test.ShouldEqual, b.Residual)
}

func TestSolveInsufficientMatches(t *testing.T) {
	cam := testCamera()
	obs := observations(cam, spatial.Identity(), scenePoints()[:3])
	_, err := Solve(cam, obs, nil, spatial.Identity(), DefaultConfig())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInsufficientMatches), test.ShouldBeTrue)
}
