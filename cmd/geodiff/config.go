package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML connection file accepted by -config:
//
//	driver: sqlite
//	base: /data/base.gpkg
//	modified: /data/modified.gpkg
type Config struct {
	Driver   string `yaml:"driver"`
	Base     string `yaml:"base"`
	Modified string `yaml:"modified,omitempty"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if conf.Base == "" {
		return nil, fmt.Errorf("config %q is missing the base location", path)
	}
	return &conf, nil
}
