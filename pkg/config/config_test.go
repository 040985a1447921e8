package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otakuflix/billing/pkg/config"
)

type testConfig struct {
	Name     string        `env:"TEST_CFG_NAME" envDefault:"billing"`
	Interval time.Duration `env:"TEST_CFG_INTERVAL" envDefault:"15m"`
	Replicas int           `env:"TEST_CFG_REPLICAS" envDefault:"1"`
}

type requiredConfig struct {
	Secret string `env:"TEST_CFG_SECRET,required"`
}

func TestLoad_Defaults(t *testing.T) {
	var cfg testConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "billing", cfg.Name)
	assert.Equal(t, 15*time.Minute, cfg.Interval)
	assert.Equal(t, 1, cfg.Replicas)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TEST_CFG_NAME", "reconciler")
	t.Setenv("TEST_CFG_INTERVAL", "30s")

	var cfg testConfig
	require.NoError(t, config.Load(&cfg))

	assert.Equal(t, "reconciler", cfg.Name)
	assert.Equal(t, 30*time.Second, cfg.Interval)
}

func TestLoad_MissingRequired(t *testing.T) {
	var cfg requiredConfig
	err := config.Load(&cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrParsingConfig)
}

func TestLoad_NilPointer(t *testing.T) {
	err := config.Load[testConfig](nil)
	assert.ErrorIs(t, err, config.ErrNilPointer)
}

func TestMustLoad_PanicsOnMissingRequired(t *testing.T) {
	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg)
	})
}

func TestLoadEnv_NonExistentPath(t *testing.T) {
	err := config.LoadEnv("testdata/does_not_exist.env")
	require.Error(t, err)
}
