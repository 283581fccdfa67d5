package stereoslam

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	cfg = DefaultConfig()
	cfg.HasPoints = false
	cfg.HasLines = false
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.LineModel = "bezier"
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.MinObs = 1
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.RedundantRatio = 1.5
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapper.json")
	body := `{
		"has_lines": false,
		"line_model": "plucker",
		"min_obs": 4,
		"associate": {"min_matches": 20}
	}`
	test.That(t, os.WriteFile(path, []byte(body), 0o644), test.ShouldBeNil)

	cfg, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.HasPoints, test.ShouldBeTrue)
	test.That(t, cfg.HasLines, test.ShouldBeFalse)
	test.That(t, cfg.LineModel, test.ShouldEqual, "plucker")
	test.That(t, cfg.MinObs, test.ShouldEqual, 4)
	test.That(t, cfg.Associate.MinMatches, test.ShouldEqual, 20)
	// untouched fields keep their defaults
	test.That(t, cfg.MinCovWindow, test.ShouldEqual, DefaultConfig().MinCovWindow)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"min_obs": 1}`), 0o644), test.ShouldBeNil)
	_, err = LoadConfig(bad)
	test.That(t, err, test.ShouldNotBeNil)
}
