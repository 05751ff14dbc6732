package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcpgate/mcpgate/pkg/gateway"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// rawServer is the on-disk shape of a server entry. It exists so absent
// fields can take non-zero defaults (enabled defaults to true) and so the
// timeout accepts both integer seconds and duration strings.
type rawServer struct {
	Name      string            `yaml:"name"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Timeout   flexDuration      `yaml:"timeout"`
	Enabled   *bool             `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
}

// flexDuration accepts "90s"-style duration strings or bare integer seconds.
type flexDuration time.Duration

func (d *flexDuration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = flexDuration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("timeout must be a number of seconds or a duration string")
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	*d = flexDuration(dur)
	return nil
}

// UnmarshalYAML decodes the on-disk document into the domain model,
// applying per-server defaults.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var doc struct {
		Servers    []rawServer          `yaml:"servers"`
		Namespaces map[string]Namespace `yaml:"namespaces"`
		Groups     map[string]Group     `yaml:"groups"`
		Sandbox    *SandboxConfig       `yaml:"sandbox"`
	}
	if err := value.Decode(&doc); err != nil {
		return err
	}

	c.Servers = make([]gateway.BackendSpec, 0, len(doc.Servers))
	for _, raw := range doc.Servers {
		spec := gateway.BackendSpec{
			Name:           raw.Name,
			Command:        raw.Command,
			Args:           raw.Args,
			Env:            raw.Env,
			StartupTimeout: time.Duration(raw.Timeout),
			Enabled:        raw.Enabled == nil || *raw.Enabled,
			Namespace:      raw.Namespace,
		}
		if spec.StartupTimeout <= 0 {
			spec.StartupTimeout = DefaultStartupTimeout
		}
		c.Servers = append(c.Servers, spec)
	}
	c.Namespaces = doc.Namespaces
	c.Groups = doc.Groups
	c.Sandbox = doc.Sandbox
	return nil
}

// Load reads, interpolates, and validates a topology document. YAML and
// JSON are both accepted (JSON is a YAML subset). The returned config is
// fully validated; an error means the document was rejected wholesale.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", gateway.ErrConfigRejected, path, err)
	}
	return Parse(data, path)
}

// Parse validates a topology document held in memory. The name parameter
// is used only for error messages.
func Parse(data []byte, name string) (*Config, error) {
	data = interpolateEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", gateway.ErrConfigRejected, name, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	logger.Infof("Loaded config from %s with %d servers, %d namespaces, %d groups",
		name, len(cfg.Servers), len(cfg.Namespaces), len(cfg.Groups))
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} references with environment values.
// Unset variables interpolate to the empty string with a warning, matching
// how operators expect optional credentials to behave.
func interpolateEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envPattern.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			logger.Warnf("Environment variable %s not found, using empty string", name)
			return nil
		}
		return []byte(value)
	})
}
