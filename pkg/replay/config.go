// YAML scenario format for replaying recorded query events through the
// instrumentation pipeline. Parses application/repo declarations and the
// recorded event list, with a separate validation pass.
package replay

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/andrewh/querytap/pkg/dbtrace"
	"github.com/andrewh/querytap/pkg/eventbus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML scenario.
type Config struct {
	Application            string
	DisableInstrumentation bool
	CollectSQL             bool
	Repos                  []RepoConfig
	Events                 []EventConfig
}

// rawConfig mirrors Config but uses a map for repos to match the YAML
// structure.
type rawConfig struct {
	Application            string                   `yaml:"application"`
	DisableInstrumentation bool                     `yaml:"disable_instrumentation,omitempty"`
	CollectSQL             bool                     `yaml:"collect_sql,omitempty"`
	Repos                  map[string]rawRepoConfig `yaml:"repos"`
	Events                 []EventConfig            `yaml:"events"`
}

// rawRepoConfig is the YAML representation of a repository declaration.
type rawRepoConfig struct {
	TelemetryPrefix string            `yaml:"telemetry_prefix,omitempty"`
	URL             string            `yaml:"url,omitempty"`
	Settings        map[string]string `yaml:"settings,omitempty"`
}

// RepoConfig declares one repository in the scenario.
type RepoConfig struct {
	Name            string
	TelemetryPrefix string
	URL             string
	Settings        map[string]string
}

// EventConfig is one recorded query event. Duration uses Go duration
// syntax ("12ms"). ParentSpan is empty for root queries.
type EventConfig struct {
	Repo       string `yaml:"repo"`
	Adapter    string `yaml:"adapter"`
	Command    string `yaml:"command,omitempty"`
	Source     string `yaml:"source,omitempty"`
	Query      string `yaml:"query,omitempty"`
	Error      string `yaml:"error,omitempty"`
	Duration   string `yaml:"duration"`
	ParentSpan string `yaml:"parent_span,omitempty"`
}

// validAdapters are the adapter tags a recorded event may carry.
var validAdapters = map[string]bool{
	"postgres": true,
	"mysql":    true,
	"error":    true,
}

// LoadConfig reads and parses a YAML scenario file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-supplied scenario path is expected
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}

	cfg := &Config{
		Application:            raw.Application,
		DisableInstrumentation: raw.DisableInstrumentation,
		CollectSQL:             raw.CollectSQL,
		Events:                 raw.Events,
	}

	// Convert map-based repos into an ordered slice (sorted for determinism)
	repoNames := make([]string, 0, len(raw.Repos))
	for name := range raw.Repos {
		repoNames = append(repoNames, name)
	}
	slices.Sort(repoNames)

	for _, name := range repoNames {
		rawRepo := raw.Repos[name]
		cfg.Repos = append(cfg.Repos, RepoConfig{
			Name:            name,
			TelemetryPrefix: rawRepo.TelemetryPrefix,
			URL:             rawRepo.URL,
			Settings:        rawRepo.Settings,
		})
	}

	return cfg, nil
}

// ValidateConfig checks a scenario for structural correctness.
func ValidateConfig(cfg *Config) error {
	if cfg.Application == "" {
		return fmt.Errorf("application is required")
	}
	if len(cfg.Repos) == 0 {
		return fmt.Errorf("at least one repo is required")
	}

	knownRepos := make(map[string]bool, len(cfg.Repos))
	for _, repo := range cfg.Repos {
		if repo.URL == "" && repo.Settings == nil {
			return fmt.Errorf("repo %q: either url or settings is required", repo.Name)
		}
		knownRepos[repo.Name] = true
	}

	for i, ev := range cfg.Events {
		if !knownRepos[ev.Repo] {
			return fmt.Errorf("event %d: repo %q is not declared", i, ev.Repo)
		}
		if !validAdapters[ev.Adapter] {
			return fmt.Errorf("event %d: unknown adapter %q, valid adapters: postgres, mysql, error", i, ev.Adapter)
		}
		if _, err := ev.QueryDuration(); err != nil {
			return fmt.Errorf("event %d: invalid duration: %w", i, err)
		}
	}

	return nil
}

// RepoSpecs converts the declared repos into the core's RepoSpec form.
func (c *Config) RepoSpecs() []dbtrace.RepoSpec {
	specs := make([]dbtrace.RepoSpec, 0, len(c.Repos))
	for _, repo := range c.Repos {
		specs = append(specs, dbtrace.RepoSpec{
			Name:            repo.Name,
			TelemetryPrefix: repo.TelemetryPrefix,
			URL:             repo.URL,
			Settings:        repo.Settings,
		})
	}
	return specs
}

// QueryDuration parses the event's recorded duration.
func (e EventConfig) QueryDuration() (time.Duration, error) {
	d, err := time.ParseDuration(e.Duration)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", e.Duration, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", e.Duration)
	}
	return d, nil
}

// Result builds the adapter result value for the event.
func (e EventConfig) Result() any {
	switch e.Adapter {
	case "postgres":
		return eventbus.PostgresResult{Command: e.Command}
	case "mysql":
		return eventbus.MySQLResult{}
	default:
		return eventbus.ErrorResult{Message: e.Error}
	}
}

// Metadata builds the bus metadata for the event.
func (e EventConfig) Metadata() eventbus.Metadata {
	return eventbus.Metadata{
		Kind:        eventbus.KindQuery,
		RepoID:      e.Repo,
		SourceTable: e.Source,
		QueryText:   e.Query,
		Result:      e.Result(),
	}
}
