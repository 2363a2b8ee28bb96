package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	cfg.Search.Kind = KindCNN
	cfg.Search.Scape = ScapePatterns
	require.NoError(t, cfg.Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[search]
kind = CNN
epochs = 3
workers = 2

[population]
size = 8
selection = tournament
operator = Mutate

[cnn]
n_channels = 6
ops = conv3x3, identity ,avg3x3
`))
	require.NoError(t, err)
	assert.Equal(t, KindCNN, cfg.Search.Kind)
	assert.Equal(t, ScapePatterns, cfg.Search.Scape)
	assert.Equal(t, 3, cfg.Search.Epochs)
	assert.Equal(t, 8, cfg.Population.Size)
	assert.Equal(t, "tournament", cfg.Population.Selection)
	assert.Equal(t, "mutate", cfg.Population.Operator)
	assert.Equal(t, 6, cfg.CNN.NChannels)
	assert.Equal(t, []string{"conv3x3", "identity", "avg3x3"}, cfg.CNN.Ops)

	// Untouched keys keep their defaults.
	def := Default()
	assert.Equal(t, def.Population.EliteFraction, cfg.Population.EliteFraction)
	assert.Equal(t, def.CNN.NBlocks, cfg.CNN.NBlocks)
	assert.Equal(t, def.Store.Kind, cfg.Store.Kind)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"kind":          "[search]\nkind = mlp\n",
		"scape":         "[search]\nkind = rnn\nscape = patterns\n",
		"epochs":        "[search]\nepochs = 0\n",
		"elite":         "[population]\nelite_fraction = 1.5\n",
		"sample":        "[search]\ntrain_sample_probability = -0.1\n",
		"rnn dims":      "[rnn]\nnhid = 0\n",
		"cnn blocks":    "[search]\nkind = cnn\n[cnn]\nn_blocks = -1\n",
		"tuning steps":  "[tuning]\nenabled = true\nsteps = 0\n",
		"store":         "[store]\nkind = redis\n",
		"sqlite path":   "[store]\nkind = sqlite\ndb_path =\n",
		"dropout range": "[rnn]\ndropout = 1\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(text))
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestTuningValuesIgnoredWhenDisabled(t *testing.T) {
	cfg, err := Parse([]byte("[tuning]\nenabled = false\nsteps = 0\n"))
	require.NoError(t, err)
	require.False(t, cfg.Tuning.Enabled)
}

func TestLoadShippedConfigs(t *testing.T) {
	rnn, err := Load(filepath.Join("..", "..", "configs", "rnn.ini"))
	require.NoError(t, err)
	assert.Equal(t, KindRNN, rnn.Search.Kind)
	assert.Equal(t, int64(42), rnn.Search.Seed)
	assert.Equal(t, []string{"tanh", "relu", "identity", "sigmoid"}, rnn.RNN.NonLinearities)
	assert.Equal(t, "linear_decay", rnn.Tuning.AttemptPolicy)

	cnn, err := Load(filepath.Join("..", "..", "configs", "cnn.ini"))
	require.NoError(t, err)
	assert.Equal(t, KindCNN, cnn.Search.Kind)
	assert.Equal(t, "sqlite", cnn.Store.Kind)
	assert.Len(t, cnn.CNN.Ops, 7)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	require.Error(t, err)
}
