// Subscription configuration derived from declared repositories.
// Built once at startup and treated as read-only afterwards; any
// malformed repository settings are surfaced as errors here, never
// retried.
package dbtrace

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"
)

// querySuffix is the fixed final segment of every derived event name.
const querySuffix = "query"

// FeatureSource exposes the feature toggles this package consults.
// Implementations are expected to be cheap and safe for concurrent use.
type FeatureSource interface {
	InstrumentationEnabled() bool
	SQLCollectionEnabled() bool
}

// StaticFeatures is a FeatureSource with fixed values, used by the CLI
// and in tests.
type StaticFeatures struct {
	Instrumentation bool
	SQLCollection   bool
}

func (f StaticFeatures) InstrumentationEnabled() bool { return f.Instrumentation }
func (f StaticFeatures) SQLCollectionEnabled() bool   { return f.SQLCollection }

// RepoSpec declares one repository to instrument.
// Either URL or Settings supplies the connection info; URL wins when both
// are set. TelemetryPrefix, when non-empty, overrides the event name
// derived from Name.
type RepoSpec struct {
	Name            string
	TelemetryPrefix string
	URL             string
	Settings        map[string]string
}

// RepoConnInfo identifies the database a repository talks to.
type RepoConnInfo struct {
	Hostname string
	Port     int
	Database string
}

// SubscriptionConfig is the immutable configuration an EventSubscriber
// holds for its lifetime.
type SubscriptionConfig struct {
	AppID       string
	Events      []string
	RepoConfigs map[string]RepoConnInfo
	CollectSQL  bool
	HandlerID   string
}

// ExtractConfig builds a SubscriptionConfig for an application and its
// declared repositories. Event names keep the declaration order of repos.
// Malformed repository settings fail the whole extraction; there is no
// per-repo recovery.
func ExtractConfig(appID string, repos []RepoSpec, features FeatureSource) (SubscriptionConfig, error) {
	if appID == "" {
		return SubscriptionConfig{}, fmt.Errorf("application id must not be empty")
	}
	if len(repos) == 0 {
		return SubscriptionConfig{}, fmt.Errorf("at least one repository is required")
	}

	cfg := SubscriptionConfig{
		AppID:       appID,
		Events:      make([]string, 0, len(repos)),
		RepoConfigs: make(map[string]RepoConnInfo, len(repos)),
		CollectSQL:  features.SQLCollectionEnabled(),
		HandlerID:   "querytap:" + appID,
	}

	for _, repo := range repos {
		if repo.Name == "" {
			return SubscriptionConfig{}, fmt.Errorf("repository name must not be empty")
		}

		event := repo.TelemetryPrefix
		if event == "" {
			event = DeriveEventName(repo.Name)
		}
		cfg.Events = append(cfg.Events, event)

		conn, err := repoConnInfo(repo)
		if err != nil {
			return SubscriptionConfig{}, fmt.Errorf("repository %q: %w", repo.Name, err)
		}
		cfg.RepoConfigs[repo.Name] = conn
	}

	return cfg, nil
}

// DeriveEventName maps a fully-qualified repository name to its telemetry
// event name: each dot-separated segment is snake-cased and a fixed
// "query" segment is appended. "MyApp.Repo" becomes "my_app.repo.query".
func DeriveEventName(repoName string) string {
	segments := strings.Split(repoName, ".")
	parts := make([]string, 0, len(segments)+1)
	for _, seg := range segments {
		parts = append(parts, snakeCase(seg))
	}
	parts = append(parts, querySuffix)
	return strings.Join(parts, ".")
}

// snakeCase converts a CamelCase segment to snake_case. Runs of capitals
// stay together: "HTTPRepo" becomes "http_repo".
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// repoConnInfo resolves a repository's connection info from its URL if
// present, otherwise from its settings map.
func repoConnInfo(repo RepoSpec) (RepoConnInfo, error) {
	if repo.URL != "" {
		return parseConnURL(repo.URL)
	}
	return connInfoFromSettings(repo.Settings)
}

// parseConnURL extracts host, port, and database from a connection URL of
// the form scheme://host:port/database. The leading "/" is stripped from
// the path.
func parseConnURL(raw string) (RepoConnInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RepoConnInfo{}, fmt.Errorf("parsing connection url: %w", err)
	}
	if u.Host == "" {
		return RepoConnInfo{}, fmt.Errorf("connection url %q has no host", raw)
	}

	info := RepoConnInfo{
		Hostname: u.Hostname(),
		Database: strings.TrimPrefix(u.Path, "/"),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return RepoConnInfo{}, fmt.Errorf("connection url %q: invalid port: %w", raw, err)
		}
		info.Port = port
	}
	return info, nil
}

// connInfoFromSettings reads hostname, port, and database keys from a raw
// settings map. All three are required.
func connInfoFromSettings(settings map[string]string) (RepoConnInfo, error) {
	hostname, ok := settings["hostname"]
	if !ok {
		return RepoConnInfo{}, fmt.Errorf("settings missing %q key", "hostname")
	}
	rawPort, ok := settings["port"]
	if !ok {
		return RepoConnInfo{}, fmt.Errorf("settings missing %q key", "port")
	}
	database, ok := settings["database"]
	if !ok {
		return RepoConnInfo{}, fmt.Errorf("settings missing %q key", "database")
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return RepoConnInfo{}, fmt.Errorf("settings port %q is not a number: %w", rawPort, err)
	}

	return RepoConnInfo{Hostname: hostname, Port: port, Database: database}, nil
}
