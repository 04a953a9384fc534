// Package config loads the collector settings from a YAML or JSON file and
// the command line. Flags win over file values only when they are set
// explicitly.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/SubCollector/internal/candidate"
	"github.com/example/SubCollector/internal/fetch"
	"github.com/example/SubCollector/internal/output"
	"github.com/example/SubCollector/internal/pipeline"
	"github.com/example/SubCollector/internal/probe"
)

// DefaultPath is read when -config is not given.
const DefaultPath = "config.yaml"

// Config is the resolved configuration of one invocation.
type Config struct {
	Path           string
	OutDir         string
	Only           string
	UserAgent      string
	FetchTimeout   time.Duration
	ProbeTimeout   time.Duration
	Workers        int
	FetchWorkers   int
	ProbeRate      float64
	KeepUntargeted bool
	UpstreamProxy  string
	MaxBodyBytes   int64
	Verbosity      int
	LogLevel       string
	Profiles       []Profile
}

// Profile is one pipeline: a source list and where its two lists go.
type Profile struct {
	Name              string
	Mode              pipeline.Mode
	Sources           []string
	Normal            string
	Final             string
	Format            output.Format
	Header            string
	RequireScheme     bool
	Strict            bool
	SplitConcatenated bool
	Workers           int
}

type fileConfig struct {
	UserAgent      *string       `json:"user_agent" yaml:"user_agent"`
	FetchTimeout   *duration     `json:"fetch_timeout" yaml:"fetch_timeout"`
	ProbeTimeout   *duration     `json:"probe_timeout" yaml:"probe_timeout"`
	Workers        *int          `json:"workers" yaml:"workers"`
	FetchWorkers   *int          `json:"fetch_workers" yaml:"fetch_workers"`
	ProbeRate      *float64      `json:"probe_rate" yaml:"probe_rate"`
	KeepUntargeted *bool         `json:"keep_untargeted" yaml:"keep_untargeted"`
	UpstreamProxy  *string       `json:"upstream_proxy" yaml:"upstream_proxy"`
	MaxBodyBytes   *int64        `json:"max_body_bytes" yaml:"max_body_bytes"`
	OutDir         *string       `json:"out_dir" yaml:"out_dir"`
	Verbosity      *int          `json:"verbosity" yaml:"verbosity"`
	LogLevel       *string       `json:"log_level" yaml:"log_level"`
	Profiles       []fileProfile `json:"profiles" yaml:"profiles"`
}

type fileProfile struct {
	Name              string     `json:"name" yaml:"name"`
	Mode              string     `json:"mode" yaml:"mode"`
	Sources           stringList `json:"sources" yaml:"sources"`
	Normal            string     `json:"normal" yaml:"normal"`
	Final             string     `json:"final" yaml:"final"`
	Format            string     `json:"format" yaml:"format"`
	Header            string     `json:"header" yaml:"header"`
	RequireScheme     bool       `json:"require_scheme" yaml:"require_scheme"`
	Strict            bool       `json:"strict" yaml:"strict"`
	SplitConcatenated bool       `json:"split_concatenated" yaml:"split_concatenated"`
	Workers           int        `json:"workers" yaml:"workers"`
}

// stringList accepts a single whitespace-separated string or a list.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}

	switch trimmed[0] {
	case '[':
		var aux []string
		if err := json.Unmarshal(trimmed, &aux); err != nil {
			return err
		}
		*s = cleanStringSlice(aux)
		return nil
	case '"':
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*s = cleanStringSlice(strings.Fields(single))
		return nil
	default:
		return errors.New("sources must be a string or a list")
	}
}

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		aux := make([]string, 0, len(value.Content))
		for _, node := range value.Content {
			aux = append(aux, node.Value)
		}
		*s = cleanStringSlice(aux)
		return nil
	case yaml.ScalarNode:
		*s = cleanStringSlice(strings.Fields(value.Value))
		return nil
	case yaml.MappingNode, yaml.DocumentNode:
		return errors.New("sources must be a string or a list")
	default:
		*s = nil
		return nil
	}
}

// duration accepts Go duration strings ("15s", "1m30s") or whole seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("duration must be a scalar")
	}
	return d.set(value.Value)
}

func (d *duration) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		return d.set(s)
	}
	return d.set(string(trimmed))
}

func (d *duration) set(s string) error {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		*d = duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = duration(v)
	return nil
}

// Parse reads flags from args, loads the config file and applies it under
// any explicitly set flags. The result is validated.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("subcollector", flag.ContinueOnError)
	configPath := fs.String("config", DefaultPath, "path to a YAML or JSON config file")
	outDir := fs.String("out", ".", "output directory")
	only := fs.String("profile", "", "run only the named profile")
	workers := fs.Int("workers", pipeline.DefaultWorkers, "concurrent checks and probes per profile")
	fetchTimeout := fs.Duration("fetch-timeout", fetch.DefaultTimeout, "per-source download timeout")
	probeTimeout := fs.Duration("probe-timeout", probe.DefaultTimeout, "per-target connect timeout")
	verbosity := fs.Int("v", 0, "verbosity (0-1=info, 2=debug, 3=trace)")
	logLevel := fs.String("log-level", "", "log level (error|warn|info|debug|trace); overrides -v")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	cfg := &Config{
		Path:           strings.TrimSpace(*configPath),
		OutDir:         strings.TrimSpace(*outDir),
		Only:           strings.TrimSpace(*only),
		UserAgent:      fetch.DefaultUserAgent,
		FetchTimeout:   *fetchTimeout,
		ProbeTimeout:   *probeTimeout,
		Workers:        *workers,
		FetchWorkers:   pipeline.DefaultFetchWorkers,
		KeepUntargeted: true,
		MaxBodyBytes:   fetch.DefaultMaxBytes,
		Verbosity:      *verbosity,
		LogLevel:       strings.TrimSpace(*logLevel),
	}

	if cfg.Path != "" {
		info, err := os.Stat(cfg.Path)
		switch {
		case err != nil && (setFlags["config"] || !errors.Is(err, os.ErrNotExist)):
			return nil, fmt.Errorf("config: cannot access %q: %w", cfg.Path, err)
		case err == nil && info.IsDir():
			return nil, fmt.Errorf("config: %q is a directory", cfg.Path)
		case err == nil:
			fc, err := loadConfigFile(cfg.Path)
			if err != nil {
				return nil, fmt.Errorf("config: read %q: %w", cfg.Path, err)
			}
			if err := cfg.apply(fc, setFlags); err != nil {
				return nil, err
			}
		}
	}

	if cfg.OutDir == "" {
		cfg.OutDir = "."
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(fc *fileConfig, setFlags map[string]bool) error {
	if fc.UserAgent != nil {
		c.UserAgent = strings.TrimSpace(*fc.UserAgent)
	}
	if fc.FetchTimeout != nil && !setFlags["fetch-timeout"] {
		c.FetchTimeout = time.Duration(*fc.FetchTimeout)
	}
	if fc.ProbeTimeout != nil && !setFlags["probe-timeout"] {
		c.ProbeTimeout = time.Duration(*fc.ProbeTimeout)
	}
	if fc.Workers != nil && !setFlags["workers"] {
		c.Workers = *fc.Workers
	}
	if fc.FetchWorkers != nil {
		c.FetchWorkers = *fc.FetchWorkers
	}
	if fc.ProbeRate != nil {
		c.ProbeRate = *fc.ProbeRate
	}
	if fc.KeepUntargeted != nil {
		c.KeepUntargeted = *fc.KeepUntargeted
	}
	if fc.UpstreamProxy != nil {
		c.UpstreamProxy = strings.TrimSpace(*fc.UpstreamProxy)
	}
	if fc.MaxBodyBytes != nil {
		c.MaxBodyBytes = *fc.MaxBodyBytes
	}
	if fc.OutDir != nil && !setFlags["out"] {
		c.OutDir = strings.TrimSpace(*fc.OutDir)
	}
	if fc.Verbosity != nil && !setFlags["v"] {
		c.Verbosity = *fc.Verbosity
	}
	if fc.LogLevel != nil && !setFlags["log-level"] {
		c.LogLevel = strings.TrimSpace(*fc.LogLevel)
	}

	for i, fp := range fc.Profiles {
		mode, err := pipeline.ParseMode(fp.Mode)
		if err != nil {
			return fmt.Errorf("config: profile %d: %w", i+1, err)
		}
		format, err := output.ParseFormat(fp.Format)
		if err != nil {
			return fmt.Errorf("config: profile %d: %w", i+1, err)
		}
		c.Profiles = append(c.Profiles, Profile{
			Name:              strings.TrimSpace(fp.Name),
			Mode:              mode,
			Sources:           []string(fp.Sources),
			Normal:            strings.TrimSpace(fp.Normal),
			Final:             strings.TrimSpace(fp.Final),
			Format:            format,
			Header:            strings.TrimSpace(fp.Header),
			RequireScheme:     fp.RequireScheme,
			Strict:            fp.Strict,
			SplitConcatenated: fp.SplitConcatenated,
			Workers:           fp.Workers,
		})
	}
	return nil
}

// Validate checks the resolved configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("probe timeout must be positive"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if c.FetchWorkers <= 0 {
		errs = append(errs, errors.New("fetch_workers must be positive"))
	}
	if c.ProbeRate < 0 {
		errs = append(errs, errors.New("probe_rate must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if len(c.Profiles) == 0 {
		errs = append(errs, errors.New("no profiles configured"))
	}

	seen := map[string]bool{}
	for i, p := range c.Profiles {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Errorf("profile %s: missing name", label))
		} else if seen[p.Name] {
			errs = append(errs, fmt.Errorf("profile %s: duplicate name", label))
		}
		seen[p.Name] = true
		if len(p.Sources) == 0 {
			errs = append(errs, fmt.Errorf("profile %s: no sources", label))
		}
		if p.Normal == "" || p.Final == "" {
			errs = append(errs, fmt.Errorf("profile %s: normal and final file names are required", label))
		}
		if p.Workers < 0 {
			errs = append(errs, fmt.Errorf("profile %s: workers must not be negative", label))
		}
	}
	if c.Only != "" && !seen[c.Only] {
		errs = append(errs, fmt.Errorf("unknown profile %q", c.Only))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Selected returns the profiles to run, in file order.
func (c *Config) Selected() []Profile {
	if c.Only == "" {
		return c.Profiles
	}
	for _, p := range c.Profiles {
		if p.Name == c.Only {
			return []Profile{p}
		}
	}
	return nil
}

// PipelineOptions maps a profile onto pipeline options.
func (c *Config) PipelineOptions(p Profile) pipeline.Options {
	workers := c.Workers
	if p.Workers > 0 {
		workers = p.Workers
	}
	return pipeline.Options{
		Mode: p.Mode,
		Rules: candidate.Rules{
			RequireScheme: p.RequireScheme,
			Strict:        p.Strict,
		},
		SplitConcatenated: p.SplitConcatenated,
		Workers:           workers,
		FetchWorkers:      c.FetchWorkers,
		DropUntargeted:    !c.KeepUntargeted,
	}
}

func loadConfigFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg fileConfig
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			if err := json.Unmarshal(raw, &cfg); err != nil {
				return nil, err
			}
		}
	}

	return &cfg, nil
}

func cleanStringSlice(values []string) []string {
	list := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			list = append(list, v)
		}
	}
	return list
}
