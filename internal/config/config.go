package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads file into config, which must be a pointer to a struct. Values already set in config act
// as defaults, and every key can be overridden by an environment variable named after its path,
// e.g. REDIS_MATCH_ADDRS=a:6379,b:6379 or MATCH_TIMEOUT=90s. The result is checked against the
// struct's validate tags.
func Load(file string, config any) error {
	v, err := newViper(config)
	if err != nil {
		return err
	}

	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %v", file, err)
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, hook); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

// newViper seeds a viper instance with the defaults held in config so that AutomaticEnv can see
// every key, including those absent from the file.
func newViper(defaults any) (*viper.Viper, error) {
	m := make(map[string]any)
	if err := mapstructure.Decode(defaults, &m); err != nil {
		return nil, fmt.Errorf("mapstructure: %v", err)
	}

	v := viper.New()
	if err := v.MergeConfigMap(m); err != nil {
		return nil, fmt.Errorf("merge config map: %v", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}
