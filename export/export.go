// Package export serializes mapping results: keyframe trajectories in the
// TUM RGB-D format and compressed JSON map snapshots.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
)

// WriteTrajectory writes every live keyframe pose as one TUM line:
// "timestamp tx ty tz qx qy qz qw".
func WriteTrajectory(w io.Writer, mp *slammap.Map) error {
	for _, kf := range mp.Keyframes() {
		if kf == nil {
			continue
		}
		t := kf.Pose.Translation()
		q := rotationQuat(kf.Pose)
		ts := 0.0
		if kf.Frame != nil {
			ts = kf.Frame.Timestamp
		}
		if _, err := fmt.Fprintf(w, "%.6f %.7f %.7f %.7f %.7f %.7f %.7f %.7f\n",
			ts, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real); err != nil {
			return errors.Wrap(err, "write trajectory line")
		}
	}
	return nil
}

// SaveTrajectory writes the trajectory to a file.
func SaveTrajectory(path string, mp *slammap.Map) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create trajectory file")
	}
	defer f.Close()
	return WriteTrajectory(f, mp)
}

// rotationQuat converts a pose's rotation matrix into a unit quaternion.
func rotationQuat(p spatial.Pose) quat.Number {
	r := p.Rotation()
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	var q quat.Number
	switch {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q.Real = s / 4
		q.Imag = (r.At(2, 1) - r.At(1, 2)) / s
		q.Jmag = (r.At(0, 2) - r.At(2, 0)) / s
		q.Kmag = (r.At(1, 0) - r.At(0, 1)) / s
	case r.At(0, 0) > r.At(1, 1) && r.At(0, 0) > r.At(2, 2):
		s := 2 * math.Sqrt(1+r.At(0, 0)-r.At(1, 1)-r.At(2, 2))
		q.Real = (r.At(2, 1) - r.At(1, 2)) / s
		q.Imag = s / 4
		q.Jmag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Kmag = (r.At(0, 2) + r.At(2, 0)) / s
	case r.At(1, 1) > r.At(2, 2):
		s := 2 * math.Sqrt(1+r.At(1, 1)-r.At(0, 0)-r.At(2, 2))
		q.Real = (r.At(0, 2) - r.At(2, 0)) / s
		q.Imag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Jmag = s / 4
		q.Kmag = (r.At(1, 2) + r.At(2, 1)) / s
	default:
		s := 2 * math.Sqrt(1+r.At(2, 2)-r.At(0, 0)-r.At(1, 1))
		q.Real = (r.At(1, 0) - r.At(0, 1)) / s
		q.Imag = (r.At(0, 2) + r.At(2, 0)) / s
		q.Jmag = (r.At(1, 2) + r.At(2, 1)) / s
		q.Kmag = s / 4
	}
	return q
}

// SnapshotKeyframe is one serialized keyframe pose in tangent coordinates.
type SnapshotKeyframe struct {
	ID        int        `json:"id"`
	Timestamp float64    `json:"timestamp"`
	Pose      [6]float64 `json:"pose"`
}

// SnapshotPoint is one serialized point landmark.
type SnapshotPoint struct {
	ID     int        `json:"id"`
	Pos    [3]float64 `json:"pos"`
	Obs    int        `json:"obs"`
	Inlier bool       `json:"inlier"`
}

// SnapshotLine is one serialized line landmark.
type SnapshotLine struct {
	ID     int        `json:"id"`
	SP     [3]float64 `json:"sp"`
	EP     [3]float64 `json:"ep"`
	Obs    int        `json:"obs"`
	Inlier bool       `json:"inlier"`
}

// Snapshot is a compact view of the map for archival and inspection; it does
// not round-trip descriptors or per-observation data.
type Snapshot struct {
	Keyframes []SnapshotKeyframe `json:"keyframes"`
	Points    []SnapshotPoint    `json:"points"`
	Lines     []SnapshotLine     `json:"lines"`
}

// TakeSnapshot extracts the live map contents.
func TakeSnapshot(mp *slammap.Map) *Snapshot {
	s := &Snapshot{}
	for _, kf := range mp.Keyframes() {
		if kf == nil {
			continue
		}
		ts := 0.0
		if kf.Frame != nil {
			ts = kf.Frame.Timestamp
		}
		s.Keyframes = append(s.Keyframes, SnapshotKeyframe{ID: kf.ID, Timestamp: ts, Pose: [6]float64(kf.Tangent())})
	}
	for _, p := range mp.Points() {
		if p == nil {
			continue
		}
		s.Points = append(s.Points, SnapshotPoint{
			ID: p.ID, Pos: [3]float64{p.Pos.X, p.Pos.Y, p.Pos.Z},
			Obs: p.ObsCount(), Inlier: p.Inlier,
		})
	}
	for _, l := range mp.Lines() {
		if l == nil {
			continue
		}
		s.Lines = append(s.Lines, SnapshotLine{
			ID: l.ID,
			SP: [3]float64{l.SP.X, l.SP.Y, l.SP.Z},
			EP: [3]float64{l.EP.X, l.EP.Y, l.EP.Z},
			Obs: l.ObsCount(), Inlier: l.Inlier,
		})
	}
	return s
}

// WriteSnapshot gzips the snapshot as JSON.
func WriteSnapshot(w io.Writer, s *Snapshot) error {
	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(s); err != nil {
		zw.Close()
		return errors.Wrap(err, "encode snapshot")
	}
	return errors.Wrap(zw.Close(), "flush snapshot")
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot")
	}
	defer zr.Close()
	var s Snapshot
	if err := json.NewDecoder(zr).Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return &s, nil
}

// SaveSnapshot writes the map snapshot to a file.
func SaveSnapshot(path string, mp *slammap.Map) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create snapshot file")
	}
	defer f.Close()
	return WriteSnapshot(f, TakeSnapshot(mp))
}
