package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ARENA_CONFIG"

// DefaultPath 返回 $ARENA_CONFIG，未设置时为 configs/config.yaml。
func DefaultPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// Load 读取配置（含 include 链），只为文件中未出现的键填默认值，然后逐段校验。
// 字符串值支持 ${VAR} 形式的环境变量展开，用于注入密钥。
func Load(path string) (*Config, error) {
	layers, err := expandIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, l := range layers {
		// include 在前，后出现的层覆盖先出现的
		if err := v.MergeConfigMap(l.settings); err != nil {
			return nil, fmt.Errorf("合并配置失败 (%s): %w", l.path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(expandEnvHook, dc.DecodeHook)
	}); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(explicitKeys(v.AllSettings()))
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnvHook(from, _ reflect.Kind, data any) (any, error) {
	s, ok := data.(string)
	if from != reflect.String || !ok || !strings.Contains(s, "${") {
		return data, nil
	}
	return os.ExpandEnv(s), nil
}

