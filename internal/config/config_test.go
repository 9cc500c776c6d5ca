package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pepolar/internal/fieldmap"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pepolar.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	pairs, err := cfg.Pairs()
	require.NoError(t, err)
	opp, ok := pairs.Opposite("AP")
	assert.True(t, ok)
	assert.Equal(t, "PA", opp)

	assert.Equal(t, fieldmap.IntendedForRelative, cfg.Style())
	assert.Nil(t, cfg.Gate())
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("PEPOLAR_WORK_DIR", "")
	t.Setenv("PEPOLAR_LOG_LEVEL", "")
	t.Setenv("PEPOLAR_LOG_FORMAT", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Setenv("PEPOLAR_WORK_DIR", "")
	t.Setenv("PEPOLAR_LOG_LEVEL", "")
	t.Setenv("PEPOLAR_LOG_FORMAT", "")
	p := writeConfig(t, `
direction_pairs:
  - [AP, PA]
  - [SI, IS]
dry_run: true
intended_for: uri
tasks: [rest]
work_dir: /scratch/pepolar
backend:
  mcflirt: /opt/fsl/bin/mcflirt
  env:
    FSLDIR: /opt/fsl
quality:
  enabled: true
  mad_threshold: 2.5
  max_runs: 3
logging:
  level: debug
  format: json
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"AP", "PA"}, {"SI", "IS"}}, cfg.DirectionPairs)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, fieldmap.IntendedForURI, cfg.Style())
	assert.Equal(t, []string{"rest"}, cfg.Tasks)
	assert.Equal(t, "/scratch/pepolar", cfg.WorkDir)
	assert.Equal(t, "/opt/fsl/bin/mcflirt", cfg.Backend.MCFLIRT)
	assert.Equal(t, "flirt", cfg.Backend.FLIRT)

	gate := cfg.Gate()
	require.NotNil(t, gate)
	assert.Equal(t, 2.5, gate.MADThreshold)
	assert.Equal(t, 3, gate.MaxRuns)

	pairs, err := cfg.Pairs()
	require.NoError(t, err)
	assert.True(t, pairs.AreOpposite("IS", "SI"))
	_, ok := pairs.Opposite("LR")
	assert.False(t, ok)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeConfig(t, "work_dir: /from/file\n")
	t.Setenv("PEPOLAR_WORK_DIR", "/from/env")
	t.Setenv("PEPOLAR_LOG_LEVEL", "WARN")
	t.Setenv("PEPOLAR_LOG_FORMAT", "")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.WorkDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_Rejects(t *testing.T) {
	t.Setenv("PEPOLAR_WORK_DIR", "")
	t.Setenv("PEPOLAR_LOG_LEVEL", "")
	t.Setenv("PEPOLAR_LOG_FORMAT", "")
	cases := map[string]string{
		"unknown key":       "colour: blue\n",
		"bad style":         "intended_for: absolute\n",
		"pair of three":     "direction_pairs: [[AP, PA, LR]]\n",
		"self pair":         "direction_pairs: [[AP, AP]]\n",
		"label in two":      "direction_pairs: [[AP, PA], [AP, LR]]\n",
		"no pairs":          "direction_pairs: []\n",
		"bad level":         "logging: {level: loud}\n",
		"bad backend":       "backend: {kind: afni}\n",
		"negative max runs": "quality: {max_runs: -1}\n",
		"zero threshold":    "quality: {mad_threshold: 0}\n",
		"empty task":        "tasks: ['']\n",
		"not yaml":          "dry_run: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestToolEnv_InheritsOnlyListedVariables(t *testing.T) {
	cfg := Default()
	cfg.Backend.Env = map[string]string{"FSLOUTPUTTYPE": "NIFTI", "FSLDIR": "/custom"}
	host := map[string]string{"PATH": "/usr/bin", "FSLDIR": "/opt/fsl", "HOME": "/root"}

	env := cfg.ToolEnv(func(k string) string { return host[k] })
	assert.Equal(t, map[string]string{
		"PATH":          "/usr/bin",
		"FSLDIR":        "/custom",
		"FSLOUTPUTTYPE": "NIFTI",
	}, env)
}
