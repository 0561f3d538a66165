package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCfg struct {
	Name  string `mapstructure:"name"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Cache struct {
		ProbeInterval time.Duration `mapstructure:"probe_interval"`
	} `mapstructure:"cache"`
}

func TestLoadAndWatch_FileDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "market-hub.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: hub\nredis:\n  addr: 127.0.0.1:6379\n"), 0o644))

	t.Setenv("MARKET_HUB_REDIS_ADDR", "10.0.0.1:6379")

	var c testCfg
	_, err := LoadAndWatch("market-hub", &c,
		WithFile(file),
		WithDefaults(map[string]any{"cache.probe_interval": "5s"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "hub", c.Name)
	assert.Equal(t, "10.0.0.1:6379", c.Redis.Addr, "环境变量优先于文件")
	assert.Equal(t, 5*time.Second, c.Cache.ProbeInterval)
}

func TestLoadAndWatch_ReloadLeavesOutUntouched(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "market-hub.yaml")
	require.NoError(t, os.WriteFile(file, []byte("name: hub\n"), 0o644))

	reloaded := make(chan string, 4)
	var c testCfg
	_, err := LoadAndWatch("market-hub", &c,
		WithFile(file),
		OnChange(func(v *viper.Viper) {
			var next testCfg
			if err := v.Unmarshal(&next); err == nil {
				reloaded <- next.Name
			}
		}),
	)
	require.NoError(t, err)
	require.Equal(t, "hub", c.Name)

	require.NoError(t, os.WriteFile(file, []byte("name: hub-v2\n"), 0o644))

	select {
	case name := <-reloaded:
		assert.Equal(t, "hub-v2", name)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
	// 启动时解码出的配置保持不变，读它的组件不会和热更新并发写冲突
	assert.Equal(t, "hub", c.Name)
}

func TestLoadAndWatch_MissingExplicitFile(t *testing.T) {
	var c testCfg
	_, err := LoadAndWatch("market-hub", &c, WithFile(filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "MARKET_HUB", envPrefix("market-hub"))
}
