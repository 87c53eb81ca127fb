package internal

import (
	"fmt"

	"github.com/spf13/viper"
)

type EngineConfig struct {
	AppName string `mapstructure:"app_name"`

	Cache struct {
		Sessions    int `mapstructure:"sessions"`
		HazardSlots int `mapstructure:"hazard_slots"`
	} `mapstructure:"cache"`

	Storage struct {
		Workdir  string `mapstructure:"workdir"`
		PageSize int    `mapstructure:"page_size"`
	} `mapstructure:"storage"`

	Engine struct {
		Debug bool `mapstructure:"debug"`
	} `mapstructure:"engine"`
}

func LoadConfig(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
