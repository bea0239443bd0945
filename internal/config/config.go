package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"taskflow/internal/tat"
)

// Config models taskflow.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	TAT    tat.Config `yaml:"tat"`
	Walker struct {
		MaxDepth int `yaml:"max_depth"`
		MaxSteps int `yaml:"max_steps"`
	} `yaml:"walker"`
	// Doers maps a doer role to the email used when a rule leaves Email empty.
	Doers map[string]string `yaml:"doers"`
	RBAC  struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with flowctl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if err := c.TAT.Validate(); err != nil {
		return fmt.Errorf("config.tat: %w", err)
	}
	if c.Walker.MaxDepth < 0 {
		return fmt.Errorf("config.walker.max_depth must not be negative")
	}
	if c.Walker.MaxSteps < 0 {
		return fmt.Errorf("config.walker.max_steps must not be negative")
	}
	for role, email := range c.Doers {
		if role == "" {
			return fmt.Errorf("config.doers contains empty role")
		}
		if email == "" {
			return fmt.Errorf("doer %s has empty email", role)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// RolePermissions returns the permissions granted to roleID.
func (c *Config) RolePermissions(roleID string) []string {
	if c == nil {
		return nil
	}
	return c.RBAC.Roles[roleID].Permissions
}

// DoerEmail resolves the default address for a doer role.
func (c *Config) DoerEmail(doer string) string {
	if c == nil {
		return ""
	}
	return c.Doers[doer]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(orgID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders cfg for export.
func ToYAML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `org:
  id: %s
  name: %s

tat:
  office_start_hour: 9
  office_end_hour: 18
  timezone: UTC
  skip_weekends: true

walker:
  max_depth: 100
  max_steps: 1000

doers: {}

rbac:
  roles:
    owner:
      description: "Full control over rules, flows and access"
      permissions:
        - rule.read
        - rule.write
        - flow.read
        - flow.write
        - tat.calculate
        - config.read
        - config.write
        - events.read
        - rbac.manage
    admin:
      description: "Maintains flow rules"
      permissions:
        - rule.read
        - rule.write
        - flow.read
        - flow.write
        - tat.calculate
        - config.read
        - events.read
    doer:
      description: "Works through assigned tasks"
      permissions:
        - rule.read
        - flow.read
        - flow.write
        - tat.calculate
    viewer:
      description: "Read-only access"
      permissions:
        - rule.read
        - flow.read
        - config.read
`
