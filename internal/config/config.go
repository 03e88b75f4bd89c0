package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"orderline/internal/domain"
)

// Config models orderline.yml.
type Config struct {
	Admin     AdminConfig `yaml:"admin"`
	Functions struct {
		Catalog map[int]FunctionSpec `yaml:"catalog"`
	} `yaml:"functions"`
	Roles struct {
		// Recommended function ids seeded for a user when a
		// work-order role is assigned. Advisory only.
		Recommended map[string][]int `yaml:"recommended"`
	} `yaml:"roles"`
}

// AdminConfig names the super-admin account seeded at startup.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type FunctionSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Admin.Username == "" {
		return fmt.Errorf("config.admin.username is required")
	}
	if len(c.Functions.Catalog) == 0 {
		return fmt.Errorf("config.functions.catalog is required")
	}
	for id, fn := range c.Functions.Catalog {
		if id < domain.FunctionOrderManagement || id > domain.FunctionLogReport {
			return fmt.Errorf("function id %d out of range 1-5", id)
		}
		if fn.Name == "" {
			return fmt.Errorf("function %d has empty name", id)
		}
	}
	for role, ids := range c.Roles.Recommended {
		switch role {
		case domain.RoleNone, domain.RoleDispatcher, domain.RoleExecutor, domain.RoleInspector:
		default:
			return fmt.Errorf("unknown work-order role %s in config.roles.recommended", role)
		}
		for _, id := range ids {
			if _, ok := c.Functions.Catalog[id]; !ok {
				return fmt.Errorf("role %s references unknown function id %d", role, id)
			}
		}
	}
	return nil
}

// FunctionIDs returns every catalogued function id, ascending.
func (c *Config) FunctionIDs() []int {
	ids := make([]int, 0, len(c.Functions.Catalog))
	for id := range c.Functions.Catalog {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// RecommendedFunctions returns the default function set for a
// work-order role, empty when the role has no entry.
func (c *Config) RecommendedFunctions(role string) []int {
	return c.Roles.Recommended[role]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "orderline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// WriteDefault writes the default template to the workspace config
// path, refusing to overwrite an existing file.
func WriteDefault(workspace string) error {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	return os.WriteFile(path, []byte(defaultTemplate), 0o644)
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

const defaultTemplate = `admin:
  username: admin
  password: admin

functions:
  catalog:
    1:
      name: order-management
      description: "Create, edit, assign and browse work orders"
    2:
      name: my-tasks
      description: "Execute orders assigned to me"
    3:
      name: acceptance
      description: "Accept completed work"
    4:
      name: spare-consumption
      description: "Record spare part consumption"
    5:
      name: log-report
      description: "Browse the operation log"

roles:
  recommended:
    dispatcher: [1, 5]
    executor: [2, 4]
    inspector: [3, 5]
    none: []
`
