package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SuiteConfig is a YAML benchmark suite: a list of cases, each naming a
// cell type and its problem dimensions.
type SuiteConfig struct {
	Cases []CaseConfig `yaml:"cases"`
}

// CaseConfig describes one benchmark case.
type CaseConfig struct {
	Name     string  `yaml:"name"`
	Cell     string  `yaml:"cell"` // "gru", "lstm", "layernorm_lstm"
	Steps    int     `yaml:"steps"`
	Batch    int     `yaml:"batch"`
	Input    int     `yaml:"input"`
	Hidden   int     `yaml:"hidden"`
	Training bool    `yaml:"training"`
	Zoneout  float64 `yaml:"zoneout"`
	Iters    int     `yaml:"iters"`
}

func (c CaseConfig) validate() error {
	switch c.Cell {
	case "gru", "lstm", "layernorm_lstm":
	default:
		return fmt.Errorf("case %q: unknown cell type %q", c.Name, c.Cell)
	}
	if c.Steps <= 0 || c.Batch <= 0 || c.Input <= 0 || c.Hidden <= 0 {
		return fmt.Errorf("case %q: dimensions must be positive", c.Name)
	}
	return nil
}

// loadSuite reads a suite file, or returns the built-in suite when path is
// empty.
func loadSuite(path string) (SuiteConfig, error) {
	if path == "" {
		return defaultSuite(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SuiteConfig{}, fmt.Errorf("read suite: %w", err)
	}
	var suite SuiteConfig
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return SuiteConfig{}, fmt.Errorf("parse suite: %w", err)
	}
	for i := range suite.Cases {
		if suite.Cases[i].Iters <= 0 {
			suite.Cases[i].Iters = 10
		}
		if err := suite.Cases[i].validate(); err != nil {
			return SuiteConfig{}, err
		}
	}
	return suite, nil
}

func defaultSuite() SuiteConfig {
	return SuiteConfig{
		Cases: []CaseConfig{
			{Name: "gru_infer_256", Cell: "gru", Steps: 64, Batch: 32, Input: 256, Hidden: 256, Iters: 10},
			{Name: "gru_train_256", Cell: "gru", Steps: 64, Batch: 32, Input: 256, Hidden: 256, Training: true, Iters: 10},
			{Name: "lstm_infer_256", Cell: "lstm", Steps: 64, Batch: 32, Input: 256, Hidden: 256, Iters: 10},
			{Name: "lstm_train_256", Cell: "lstm", Steps: 64, Batch: 32, Input: 256, Hidden: 256, Training: true, Iters: 10},
			{Name: "lnlstm_infer_256", Cell: "layernorm_lstm", Steps: 64, Batch: 32, Input: 256, Hidden: 256, Iters: 10},
			{Name: "lstm_train_zoneout", Cell: "lstm", Steps: 64, Batch: 32, Input: 256, Hidden: 256, Training: true, Zoneout: 0.1, Iters: 10},
		},
	}
}
