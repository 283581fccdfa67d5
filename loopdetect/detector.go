// Package loopdetect finds loop-closure candidates by place-recognition
// similarity and verifies them geometrically before handing a loop edge to
// the corrector.
package loopdetect

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/roverlab/stereoslam/camera"
	"github.com/roverlab/stereoslam/frame"
	"github.com/roverlab/stereoslam/relpose"
	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/spatial"
	"github.com/roverlab/stereoslam/vocab"
)

// scores at or below this are treated as unscored when forming the floor
const scoreNoise = 0.001

// CorrPair records one surviving feature correspondence across a loop edge,
// as indices into the two keyframes' feature slices.
type CorrPair struct {
	From, To int
}

// Edge is a verified loop closure between two keyframes. Rel is the pose of
// keyframe To expressed in keyframe From's camera frame.
type Edge struct {
	From, To   int
	Rel        spatial.Pose
	Increment  spatial.Vec6
	PointPairs []CorrPair
	LinePairs  []CorrPair
	// Unoptimized marks the edge as pending pose-graph correction.
	Unoptimized bool
}

// Config tunes candidate search and geometric verification.
type Config struct {
	// KFDist excludes this many trailing keyframes from candidacy.
	KFDist int `json:"kf_dist"`
	// MaxDist is both the minimum number of scored candidates and the index
	// radius of the clustering requirement.
	MaxDist int `json:"max_dist"`
	// MinNeighbors candidates near the best one must clear 80% of the floor.
	MinNeighbors int `json:"min_neighbors"`
	// InlierRatio gates descriptor matching against both sides' counts.
	InlierRatio float64 `json:"inlier_ratio"`
	// MaxRes, MaxUnc, MinInl, MaxTrans and MaxRot gate the estimated
	// relative pose.
	MaxRes   float64 `json:"max_res"`
	MaxUnc   float64 `json:"max_unc"`
	MinInl   float64 `json:"min_inl"`
	MaxTrans float64 `json:"max_trans"`
	MaxRot   float64 `json:"max_rot"`

	Matching frame.MatchingConfig `json:"matching"`
	Solver   relpose.Config       `json:"solver"`
}

// DefaultConfig returns the loop-detection tuning used when a config omits
// it.
func DefaultConfig() Config {
	return Config{
		KFDist:       20,
		MaxDist:      3,
		MinNeighbors: 2,
		InlierRatio:  0.3,
		MaxRes:       2.0,
		MaxUnc:       0.01,
		MinInl:       0.5,
		MaxTrans:     6.0,
		MaxRot:       0.8,
		Matching: frame.MatchingConfig{
			NNRatio: 0.8,
			MaxDist: 90,
		},
		Solver: relpose.DefaultConfig(),
	}
}

// Detector scores and verifies loop candidates against a map store.
type Detector struct {
	mp     *slammap.Map
	cam    *camera.StereoCamera
	voc    *vocab.Vocabulary
	cfg    Config
	logger golog.Logger
}

// New returns a detector bound to a map, camera and vocabulary.
func New(mp *slammap.Map, cam *camera.StereoCamera, voc *vocab.Vocabulary, cfg Config, logger golog.Logger) *Detector {
	return &Detector{mp: mp, cam: cam, voc: voc, cfg: cfg, logger: logger}
}

// InsertAggregates computes the keyframe's per-type and combined vocabulary
// aggregates and scores it against every earlier keyframe, fanning the row
// out across goroutines.
func (d *Detector) InsertAggregates(kf *slammap.Keyframe) error {
	kf.PointAgg = d.voc.Aggregate(kf.Frame.PointDescs())
	kf.LineAgg = d.voc.Aggregate(kf.Frame.LineDescs())
	kf.Agg = vocab.Combine(kf.PointAgg, kf.LineAgg)

	others := d.mp.Keyframes()
	scores := make([]float64, len(others))
	var eg errgroup.Group
	for i, other := range others {
		if other == nil || other.ID == kf.ID {
			continue
		}
		i, other := i, other
		eg.Go(func() error {
			scores[i] = vocab.Score(kf.Agg, other.Agg)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	sim := d.mp.Similarity()
	for i, other := range others {
		if other == nil || other.ID == kf.ID {
			continue
		}
		sim.Set(kf.ID, other.ID, scores[i])
	}
	return nil
}

// FindCandidate returns the best loop-closure candidate for the newest
// keyframe, or false when no candidate clears the adaptive acceptance floor
// and its clustering requirement.
func (d *Detector) FindCandidate(curr *slammap.Keyframe) (int, bool) {
	sim := d.mp.Similarity()
	var candidates []int
	for _, kf := range d.mp.Keyframes() {
		if kf == nil || kf.ID > curr.ID-d.cfg.KFDist {
			continue
		}
		candidates = append(candidates, kf.ID)
	}
	if len(candidates) <= d.cfg.MaxDist {
		return 0, false
	}

	floor, ok := d.adaptiveFloor(curr.ID)
	if !ok {
		return 0, false
	}

	best, bestScore := -1, 0.0
	for _, id := range candidates {
		if s := sim.Get(curr.ID, id); s > bestScore {
			best, bestScore = id, s
		}
	}
	if best < 0 || bestScore <= floor {
		return 0, false
	}

	neighbors := 0
	for _, id := range candidates {
		if id == best || abs(id-best) > d.cfg.MaxDist {
			continue
		}
		if sim.Get(curr.ID, id) >= 0.8*floor {
			neighbors++
		}
	}
	if neighbors < d.cfg.MinNeighbors {
		return 0, false
	}
	d.logger.Debugw("loop candidate", "curr", curr.ID, "candidate", best, "score", bestScore, "floor", floor)
	return best, true
}

// adaptiveFloor is the minimum similarity among keyframe pairs that are
// covisibility-connected or temporal neighbors; keyframes that already look
// like their surroundings raise the bar for loop acceptance.
func (d *Detector) adaptiveFloor(currID int) (float64, bool) {
	cov := d.mp.Covisibility()
	sim := d.mp.Similarity()
	floor, found := math.Inf(1), false
	kfs := d.mp.Keyframes()
	for i, a := range kfs {
		if a == nil || a.ID >= currID {
			continue
		}
		for j := i + 1; j < len(kfs); j++ {
			b := kfs[j]
			if b == nil || b.ID > currID {
				continue
			}
			if cov.Count(a.ID, b.ID) == 0 && b.ID-a.ID != 1 {
				continue
			}
			s := sim.Get(a.ID, b.ID)
			if s <= scoreNoise {
				continue
			}
			if s < floor {
				floor, found = s, true
			}
		}
	}
	return floor, found
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Verify descriptor-matches a candidate pair and estimates their relative
// pose with the two-phase robust solver. A non-nil edge is returned only
// when every geometric acceptance gate passes.
func (d *Detector) Verify(prev, curr *slammap.Keyframe) (*Edge, error) {
	pMatches, pn := frame.Match(prev.Frame.PointDescs(), curr.Frame.PointDescs(), &d.cfg.Matching)
	lMatches, ln := frame.Match(prev.Frame.LineDescs(), curr.Frame.LineDescs(), &d.cfg.Matching)

	if len(prev.Frame.Points) > 0 && len(curr.Frame.Points) > 0 {
		if ratio(pn, len(prev.Frame.Points)) < d.cfg.InlierRatio || ratio(pn, len(curr.Frame.Points)) < d.cfg.InlierRatio {
			return nil, nil
		}
	}
	if len(prev.Frame.Lines) > 0 && len(curr.Frame.Lines) > 0 {
		if ratio(ln, len(prev.Frame.Lines)) < d.cfg.InlierRatio || ratio(ln, len(curr.Frame.Lines)) < d.cfg.InlierRatio {
			return nil, nil
		}
	}

	var pobs []relpose.PointObs
	var pPairs []CorrPair
	for i, j := range pMatches {
		if j < 0 {
			continue
		}
		pobs = append(pobs, relpose.PointObs{P: prev.Frame.Points[i].P, Obs: curr.Frame.Points[j].Pixel})
		pPairs = append(pPairs, CorrPair{i, j})
	}
	var lobs []relpose.LineObs
	var lPairs []CorrPair
	for i, j := range lMatches {
		if j < 0 {
			continue
		}
		lobs = append(lobs, relpose.LineObs{
			SP:     prev.Frame.Lines[i].SP,
			EP:     prev.Frame.Lines[i].EP,
			LineEq: curr.Frame.Lines[j].LineEq,
		})
		lPairs = append(lPairs, CorrPair{i, j})
	}

	res, err := relpose.Solve(d.cam, pobs, lobs, spatial.Identity(), d.cfg.Solver)
	if err != nil {
		if errors.Is(err, relpose.ErrInsufficientMatches) {
			return nil, nil
		}
		return nil, err
	}

	total := len(pobs) + len(lobs)
	inl := float64(len(res.PointInliers)+len(res.LineInliers)) / float64(total)
	t := res.Increment.Translation().Norm()
	rot := res.Increment.Rotation().Norm()
	if res.Residual >= d.cfg.MaxRes || res.MaxEigen >= d.cfg.MaxUnc ||
		inl <= d.cfg.MinInl || t >= d.cfg.MaxTrans || rot >= d.cfg.MaxRot {
		d.logger.Debugw("loop verification rejected",
			"prev", prev.ID, "curr", curr.ID,
			"residual", res.Residual, "maxEigen", res.MaxEigen,
			"inlierRatio", inl, "trans", t, "rot", rot)
		return nil, nil
	}

	edge := &Edge{
		From:        prev.ID,
		To:          curr.ID,
		Rel:         res.Pose.Inverse(),
		Increment:   res.Increment,
		Unoptimized: true,
	}
	for _, k := range res.PointInliers {
		edge.PointPairs = append(edge.PointPairs, pPairs[k])
	}
	for _, k := range res.LineInliers {
		edge.LinePairs = append(edge.LinePairs, lPairs[k])
	}
	return edge, nil
}

func ratio(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of)
}
