package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"trackline/internal/domain"
)

// Config models trackline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
		Key  string `yaml:"key"`
	} `yaml:"project"`
	Issues struct {
		DefaultPriority string              `yaml:"default_priority"`
		RequiredFields  map[string][]string `yaml:"required_fields"`
	} `yaml:"issues"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

var knownRequiredFields = map[string]struct{}{
	"title":       {},
	"description": {},
	"start_date":  {},
	"due_date":    {},
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Issues.DefaultPriority != "" {
		if _, ok := domain.ParsePriority(c.Issues.DefaultPriority); !ok {
			return fmt.Errorf("config.issues.default_priority %q is not a priority", c.Issues.DefaultPriority)
		}
	}
	for typ, fields := range c.Issues.RequiredFields {
		if _, ok := domain.ParseIssueType(typ); !ok {
			return fmt.Errorf("config.issues.required_fields references unknown issue type %s", typ)
		}
		for _, f := range fields {
			if _, ok := knownRequiredFields[f]; !ok {
				return fmt.Errorf("required field %s for type %s is not recognized", f, typ)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
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

// DefaultPriority returns the configured default, falling back to medium.
func (c *Config) DefaultPriority() domain.Priority {
	if c == nil || c.Issues.DefaultPriority == "" {
		return domain.PriorityMedium
	}
	p, ok := domain.ParsePriority(c.Issues.DefaultPriority)
	if !ok {
		return domain.PriorityMedium
	}
	return p
}

// RequiredFields returns the per-type required field rules keyed by issue type.
func (c *Config) RequiredFields() map[domain.IssueType][]string {
	res := map[domain.IssueType][]string{}
	if c == nil {
		return res
	}
	for typ, fields := range c.Issues.RequiredFields {
		t, ok := domain.ParseIssueType(typ)
		if !ok {
			continue
		}
		res[t] = fields
	}
	return res
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
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

const defaultTemplate = `project:
  id: %s

issues:
  default_priority: medium
  required_fields:
    bug: [description]
    task: [due_date]

rbac:
  roles:
    admin:
      description: "Full control over the project"
      permissions:
        - project.manage
        - member.manage
        - issue.create
        - issue.update
        - issue.close
        - issue.reopen
    maintainer:
      description: "Manages issues and the hierarchy"
      permissions:
        - issue.create
        - issue.update
        - issue.close
        - issue.reopen
    reporter:
      description: "Files and updates issues"
      permissions:
        - issue.create
        - issue.update
`
