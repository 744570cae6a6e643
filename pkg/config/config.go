// Package config loads the agent's configuration from a TOML file plus
// an environment-variable overlay, following the precedence chain in
// the configuration contract: FOREMAN_CONFIG path, then ./foreman.toml,
// then /etc/foreman/foreman.toml, then $HOME/.foreman/foreman.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const configFileName = "foreman.toml"

// Core holds the control-plane connection and job-policy settings.
type Core struct {
	URL                             string            `toml:"url"`
	Hostname                        string            `toml:"hostname"`
	Port                            int               `toml:"port"`
	NetworkName                     string            `toml:"network_name"`
	Token                           string            `toml:"token"`
	PollFrequencyMS                 int               `toml:"poll_frequency"`
	PollTimeoutMS                   int               `toml:"poll_timeout"`
	ExtraHosts                      []string          `toml:"extra_hosts"`
	Labels                          map[string]string `toml:"labels"`
	Env                             map[string]string `toml:"env"`
	JobCompletionTimeoutMS          int               `toml:"job_completion_timeout"`
	JobRemovalTimeoutMS             int               `toml:"job_removal_timeout"`
	RemoveStoppedContainersOnTerm   bool              `toml:"remove_stopped_containers_on_terminate"`
	MaxConcurrentJobs               int               `toml:"max_concurrent_jobs"`
}

// Docker holds the host-port range handed to the port allocator. The
// name mirrors the original configuration section though the runtime
// client underneath is containerd, not Docker.
type Docker struct {
	StartPort int `toml:"start_port"`
	EndPort   int `toml:"end_port"`
}

// Config is the agent's fully-resolved, immutable runtime configuration.
type Config struct {
	Core   Core   `toml:"core"`
	Docker Docker `toml:"docker"`
}

func defaults() Config {
	return Config{
		Core: Core{
			Port:                          3000,
			NetworkName:                   "foreman",
			PollFrequencyMS:               5000,
			PollTimeoutMS:                 30000,
			JobCompletionTimeoutMS:        10000,
			JobRemovalTimeoutMS:           5000,
			RemoveStoppedContainersOnTerm: true,
			MaxConcurrentJobs:             12,
		},
		Docker: Docker{
			StartPort: 49152,
			EndPort:   65535,
		},
	}
}

// Load resolves the config file path, parses it over the defaults, then
// applies any FOREMAN_-prefixed environment variable overlay, and
// validates the result.
func Load() (*Config, error) {
	cfg := defaults()

	path, err := resolvePath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePath returns the config file to load, or "" if none of the
// candidate locations exist (an empty path is not an error: every field
// can in principle arrive via environment overlay).
func resolvePath() (string, error) {
	if p := os.Getenv("FOREMAN_CONFIG"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("FOREMAN_CONFIG path %s does not exist: %w", p, err)
		}
		return p, nil
	}

	if _, err := os.Stat(configFileName); err == nil {
		return configFileName, nil
	}

	if _, err := os.Stat(filepath.Join("/etc/foreman", configFileName)); err == nil {
		return filepath.Join("/etc/foreman", configFileName), nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".foreman", configFileName)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// applyEnvOverlay walks FOREMAN_-prefixed env vars with "_" as the path
// separator (e.g. FOREMAN_CORE_MAX_CONCURRENT_JOBS) and overwrites the
// matching scalar field. Map and slice fields are not overlaid; they
// come from the file only.
func applyEnvOverlay(cfg *Config) {
	set := func(envVar string, dst *string) {
		if v, ok := os.LookupEnv(envVar); ok {
			*dst = v
		}
	}
	setInt := func(envVar string, dst *int) {
		if v, ok := os.LookupEnv(envVar); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(envVar string, dst *bool) {
		if v, ok := os.LookupEnv(envVar); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	set("FOREMAN_CORE_URL", &cfg.Core.URL)
	set("FOREMAN_CORE_HOSTNAME", &cfg.Core.Hostname)
	setInt("FOREMAN_CORE_PORT", &cfg.Core.Port)
	set("FOREMAN_CORE_NETWORK_NAME", &cfg.Core.NetworkName)
	set("FOREMAN_CORE_TOKEN", &cfg.Core.Token)
	setInt("FOREMAN_CORE_POLL_FREQUENCY", &cfg.Core.PollFrequencyMS)
	setInt("FOREMAN_CORE_POLL_TIMEOUT", &cfg.Core.PollTimeoutMS)
	setInt("FOREMAN_CORE_JOB_COMPLETION_TIMEOUT", &cfg.Core.JobCompletionTimeoutMS)
	setInt("FOREMAN_CORE_JOB_REMOVAL_TIMEOUT", &cfg.Core.JobRemovalTimeoutMS)
	setBool("FOREMAN_CORE_REMOVE_STOPPED_CONTAINERS_ON_TERMINATE", &cfg.Core.RemoveStoppedContainersOnTerm)
	setInt("FOREMAN_CORE_MAX_CONCURRENT_JOBS", &cfg.Core.MaxConcurrentJobs)
	setInt("FOREMAN_DOCKER_START_PORT", &cfg.Docker.StartPort)
	setInt("FOREMAN_DOCKER_END_PORT", &cfg.Docker.EndPort)
}

func (c *Config) validate() error {
	var missing []string
	if c.Core.URL == "" {
		missing = append(missing, "core.url")
	}
	if c.Core.Hostname == "" {
		missing = append(missing, "core.hostname")
	}
	if c.Core.Token == "" {
		missing = append(missing, "core.token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}
	if c.Docker.StartPort >= c.Docker.EndPort {
		return fmt.Errorf("docker.start_port (%d) must be less than docker.end_port (%d)", c.Docker.StartPort, c.Docker.EndPort)
	}
	return nil
}
