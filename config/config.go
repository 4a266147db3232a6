package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"TinyYoloDet/engine"
	"TinyYoloDet/logger"
	"TinyYoloDet/monitor"
	"TinyYoloDet/pipeline"
	"TinyYoloDet/provider"
	"TinyYoloDet/report"
	"TinyYoloDet/server"
)

const DefaultPath = "config.yaml"

type Config struct {
	Model    provider.Config      `yaml:"model"`
	Runtime  engine.RuntimeConfig `yaml:"runtime"`
	Pipeline pipeline.Config      `yaml:"pipeline"`
	Output   report.Config        `yaml:"output"`
	Server   server.Config        `yaml:"server"`
	Monitor  monitor.Config       `yaml:"monitor"`
	Log      logger.Config        `yaml:"log"`
}

func Default() Config {
	return Config{
		Model: provider.Config{
			URL:     provider.DefaultURL,
			Path:    provider.DefaultPath,
			Retries: provider.DefaultRetries,
		},
		Runtime: engine.RuntimeConfig{
			InputName:  "image",
			OutputName: "grid",
		},
		Pipeline: pipeline.Config{Workers: runtime.NumCPU()},
		Output:   report.Config{Dir: "result"},
		Server:   server.Config{Port: server.DefaultPort, MaxUploadMB: server.DefaultMaxUploadMB},
		Monitor:  monitor.Config{Port: 9090},
		Log:      logger.Config{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults unchanged.
// The returned warnings describe values that were normalized.
func Load(path string) (Config, []string, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			warnings := cfg.Normalize()
			return cfg, append([]string{fmt.Sprintf("config file %s not found, using defaults", path)}, warnings...), nil
		}
		return cfg, nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Normalize(), nil
}

// Normalize fixes out-of-range values in place.
func (c *Config) Normalize() []string {
	var warnings []string
	cpuNum := runtime.NumCPU()
	if c.Pipeline.Workers <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid pipeline.workers %d, defaulting to %d", c.Pipeline.Workers, cpuNum))
		c.Pipeline.Workers = cpuNum
	} else if c.Pipeline.Workers > cpuNum {
		warnings = append(warnings, fmt.Sprintf("pipeline.workers %d exceeds CPU cores %d", c.Pipeline.Workers, cpuNum))
	}
	if c.Model.Retries <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid model.retries %d, defaulting to %d", c.Model.Retries, provider.DefaultRetries))
		c.Model.Retries = provider.DefaultRetries
	}
	if c.Model.URL == "" {
		c.Model.URL = provider.DefaultURL
	}
	if c.Model.Path == "" {
		c.Model.Path = provider.DefaultPath
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "result"
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		warnings = append(warnings, fmt.Sprintf("invalid server.port %d, defaulting to %d", c.Server.Port, server.DefaultPort))
		c.Server.Port = server.DefaultPort
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		warnings = append(warnings, fmt.Sprintf("invalid monitor.port %d, disabling metrics", c.Monitor.Port))
		c.Monitor.Enabled = false
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return warnings
}
