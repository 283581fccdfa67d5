package stereoslam

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/roverlab/stereoslam/associate"
	"github.com/roverlab/stereoslam/loopclose"
	"github.com/roverlab/stereoslam/loopdetect"
	"github.com/roverlab/stereoslam/optimize"
	"github.com/roverlab/stereoslam/slammap"
	"github.com/roverlab/stereoslam/vocab"
)

// Config is the top-level mapper configuration.
type Config struct {
	// HasPoints and HasLines enable the two feature classes. At least one
	// must be on.
	HasPoints bool `json:"has_points"`
	HasLines  bool `json:"has_lines"`
	// LineModel selects the line parameterization: "endpoints" or
	// "plucker". Empty means endpoints.
	LineModel string `json:"line_model"`
	// Multithread moves keyframe processing onto the background pipeline.
	Multithread bool `json:"multithread"`
	// QueueDepth bounds the pipeline FIFO in multithread mode.
	QueueDepth int `json:"queue_depth"`
	// VocabWords sizes the place-recognition vocabulary.
	VocabWords int `json:"vocab_words"`

	// MinCovWindow admits an older keyframe into the local window when it
	// shares at least this many landmarks with the newest one.
	MinCovWindow int `json:"min_cov_window"`
	// MinKFDistWindow admits keyframes within this index distance of the
	// newest one.
	MinKFDistWindow int `json:"min_kf_dist_window"`
	// MinObs is the observation count below which a stale landmark is
	// culled.
	MinObs int `json:"min_obs"`
	// CullAge protects landmarks anchored within this many keyframes of the
	// newest from culling.
	CullAge int `json:"cull_age"`
	// RemoveRedundant enables dropping keyframes whose landmarks are almost
	// all tracked elsewhere.
	RemoveRedundant bool `json:"remove_redundant"`
	// RedundantRatio is the tracked-landmark share ratio above which a
	// keyframe counts as redundant.
	RedundantRatio float64 `json:"redundant_ratio"`
	// RedundantShared is the observation count that marks a landmark as
	// well tracked elsewhere.
	RedundantShared int `json:"redundant_shared"`

	Associate associate.Config  `json:"associate"`
	Optimize  optimize.Config   `json:"optimize"`
	Loop      loopdetect.Config `json:"loop"`
	Correct   loopclose.Config  `json:"correct"`
}

// DefaultConfig returns a full working configuration.
func DefaultConfig() Config {
	return Config{
		HasPoints:       true,
		HasLines:        true,
		LineModel:       "endpoints",
		QueueDepth:      64,
		VocabWords:      vocab.DefaultWords,
		MinCovWindow:    20,
		MinKFDistWindow: 5,
		MinObs:          3,
		CullAge:         10,
		RemoveRedundant: false,
		RedundantRatio:  0.9,
		RedundantShared: 3,
		Associate:       associate.DefaultConfig(),
		Optimize:        optimize.DefaultConfig(),
		Loop:            loopdetect.DefaultConfig(),
		Correct:         loopclose.DefaultConfig(),
	}
}

// LoadConfig reads a JSON configuration, filling omitted fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config file")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse config file")
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if !c.HasPoints && !c.HasLines {
		return errors.New("at least one feature class must be enabled")
	}
	if _, ok := slammap.LineModelByName(c.LineModel); !ok {
		return errors.Errorf("unknown line model %q", c.LineModel)
	}
	if c.MinObs < 2 {
		return errors.New("min_obs must be at least 2")
	}
	if c.RedundantRatio <= 0 || c.RedundantRatio > 1 {
		return errors.New("redundant_ratio must be in (0, 1]")
	}
	return nil
}
