package detection

import (
	"fmt"
	"sort"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// Result is one secret found in a tool argument. The secret itself is never kept.
type Result struct {
	RuleID      string
	Description string
	Argument    string
}

type Engine struct {
	detector *detect.Detector
}

// NewEngine creates a detection engine. An empty configPath uses the gitleaks default rules.
func NewEngine(configPath string) (*Engine, error) {
	if configPath == "" {
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load default gitleaks config: %w", err)
		}
		return &Engine{detector: detector}, nil
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate config: %w", err)
	}

	return &Engine{
		detector: detect.NewDetector(cfg),
	}, nil
}

// Detect scans every string in args, including nested objects and arrays.
func (e *Engine) Detect(args map[string]interface{}) []Result {
	var results []Result
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		results = e.scan(k, args[k], results)
	}
	return results
}

func (e *Engine) scan(path string, value interface{}, results []Result) []Result {
	switch v := value.(type) {
	case string:
		for _, f := range e.detector.DetectString(v) {
			results = append(results, Result{
				RuleID:      f.RuleID,
				Description: f.Description,
				Argument:    path,
			})
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			results = e.scan(path+"."+k, v[k], results)
		}
	case []interface{}:
		for i, item := range v {
			results = e.scan(fmt.Sprintf("%s[%d]", path, i), item, results)
		}
	}
	return results
}
