package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type options struct {
	file     string
	defaults map[string]any
	onChange func(v *viper.Viper)
}

type Option func(*options)

// WithFile 指定配置文件路径，覆盖 config/{service}.yaml 的约定
func WithFile(path string) Option {
	return func(o *options) { o.file = path }
}

// WithDefaults 设置默认值，key 用 viper 的点分形式，例如 "cache.probe_interval"
func WithDefaults(d map[string]any) Option {
	return func(o *options) { o.defaults = d }
}

// OnChange 配置文件变更后的回调，由回调自己从 v 解码到新的对象
func OnChange(fn func(v *viper.Viper)) Option {
	return func(o *options) { o.onChange = fn }
}

// LoadAndWatch 读取配置到 out，并监听文件变更。
// out 只在这里写一次，之后各组件拿着它的拷贝并发读；热更新不回写 out。
func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	for k, val := range o.defaults {
		v.SetDefault(k, val)
	}

	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		// 约定：config/{service}.yaml
		v.SetConfigName(service)
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 环境变量覆盖，例如 MARKET_HUB_REDIS_ADDR 覆盖 redis.addr
	v.SetEnvPrefix(envPrefix(service))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件时只用默认值 + 环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || o.file != "" {
			return nil, err
		}
		log.Printf("[%s] no config file found, using defaults and env", service)
	} else {
		log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() == "" || o.onChange == nil {
		return v, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		o.onChange(v)
	})

	return v, nil
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}
