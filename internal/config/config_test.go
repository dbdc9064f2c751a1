package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "http://localhost:11434/v1", cfg.Backend.BaseURL)
	require.GreaterOrEqual(t, len(cfg.Categories), 10)
	require.Equal(t, 120, cfg.Prompts.Describe.MaxWords)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing base url", func(c *Config) { c.Backend.BaseURL = "" }, "backend.base_url"},
		{"missing model", func(c *Config) { c.Backend.Model = "" }, "backend.model"},
		{"zero max tokens", func(c *Config) { c.Sampling.MaxTokens = 0 }, "max_tokens"},
		{"temperature too high", func(c *Config) { c.Sampling.Temperature = 2.5 }, "temperature"},
		{"missing base role", func(c *Config) { c.Prompts.BaseRole = "" }, "base_role"},
		{"missing stage instruction", func(c *Config) { c.Prompts.Estimate.Instruction = "" }, "prompts.estimate"},
		{"negative word ceiling", func(c *Config) { c.Prompts.Describe.MaxWords = -1 }, "max_words"},
		{"too few categories", func(c *Config) { c.Categories = c.Categories[:5] }, "at least 10"},
		{"duplicate category", func(c *Config) { c.Categories[1] = c.Categories[0] }, "duplicate"},
		{"empty category", func(c *Config) { c.Categories[0] = "" }, "empty name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := FromYAML([]byte("backend: ["))
	require.Error(t, err)
	require.ErrorContains(t, err, "invalid yaml")
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(dir)
	require.Error(t, err)
	require.ErrorContains(t, err, "tf init")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "gpt-4", cfg.Backend.Model)
}

func TestPath(t *testing.T) {
	require.Equal(t, filepath.Join("ws", "taskforge.yml"), Path("ws"))
	require.Equal(t, filepath.Join(".", "taskforge.yml"), Path(""))
}
