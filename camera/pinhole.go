// Package camera models the calibrated stereo rig consumed by the mapping
// backend: a pinhole projection for the left camera plus a horizontal baseline
// for disparity-based backprojection.
package camera

import (
	"encoding/json"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// StereoCamera holds the pinhole intrinsics of the rectified left camera and
// the stereo baseline in meters.
type StereoCamera struct {
	Width    int     `json:"width_px"`
	Height   int     `json:"height_px"`
	Fx       float64 `json:"fx"`
	Fy       float64 `json:"fy"`
	Ppx      float64 `json:"ppx"`
	Ppy      float64 `json:"ppy"`
	Baseline float64 `json:"baseline_m"`
}

// LoadStereoCamera reads stereo camera parameters from a JSON file.
func LoadStereoCamera(path string) (*StereoCamera, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	var cam StereoCamera
	if err := json.NewDecoder(f).Decode(&cam); err != nil {
		return nil, err
	}
	return &cam, cam.CheckValid()
}

// CheckValid returns an error if the parameters cannot describe a camera.
func (c *StereoCamera) CheckValid() error {
	if c == nil {
		return errors.New("stereo camera parameters are nil")
	}
	if c.Fx <= 0 || c.Fy <= 0 {
		return errors.Errorf("focal lengths must be positive, got (%v, %v)", c.Fx, c.Fy)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return errors.Errorf("image dimensions must be positive, got (%d, %d)", c.Width, c.Height)
	}
	if c.Baseline <= 0 {
		return errors.Errorf("baseline must be positive, got %v", c.Baseline)
	}
	return nil
}

// Project maps a camera-frame 3D point onto the left image plane.
func (c *StereoCamera) Project(p r3.Vector) r2.Point {
	return r2.Point{
		X: c.Fx*p.X/p.Z + c.Ppx,
		Y: c.Fy*p.Y/p.Z + c.Ppy,
	}
}

// Backproject recovers the camera-frame 3D point of a left-image pixel with a
// known stereo disparity.
func (c *StereoCamera) Backproject(px r2.Point, disparity float64) r3.Vector {
	z := c.Fx * c.Baseline / disparity
	return r3.Vector{
		X: (px.X - c.Ppx) * z / c.Fx,
		Y: (px.Y - c.Ppy) * z / c.Fy,
		Z: z,
	}
}

// InImage reports whether a pixel falls inside the image bounds.
func (c *StereoCamera) InImage(px r2.Point) bool {
	return px.X > 0 && px.X < float64(c.Width) && px.Y > 0 && px.Y < float64(c.Height)
}
