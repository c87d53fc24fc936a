package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
	"stageline/internal/engine/notify"
	"stageline/internal/engine/stages"
)

// Schedule validation modes.
const (
	ScheduleWarn    = "warn"
	ScheduleEnforce = "enforce"
)

// Config models stageline.yml.
type Config struct {
	Roles    map[string]Role        `yaml:"roles" json:"roles"`
	Stages   map[string]StageConfig `yaml:"stages" json:"stages"`
	Workflow struct {
		ManagerRole          string `yaml:"manager_role" json:"manager_role"`
		SecondWarehouseCycle *bool  `yaml:"second_warehouse_cycle" json:"second_warehouse_cycle"`
		RequireIntegration   bool   `yaml:"require_integration" json:"require_integration"`
		RequireFiles         bool   `yaml:"require_files" json:"require_files"`
		ScheduleValidation   string `yaml:"schedule_validation" json:"schedule_validation"`
	} `yaml:"workflow" json:"workflow"`
	Notifications struct {
		PollInterval        string `yaml:"poll_interval" json:"poll_interval"`
		DeadlineWarningDays int    `yaml:"deadline_warning_days" json:"deadline_warning_days"`
	} `yaml:"notifications" json:"notifications"`
	Webhooks []Webhook `yaml:"webhooks" json:"webhooks,omitempty"`
}

type Role struct {
	Description string `yaml:"description" json:"description,omitempty"`
}

type StageConfig struct {
	GatingRole string `yaml:"gating_role" json:"gating_role"`
}

// Webhook receives notifications as they are created. An empty Types list
// means every notification type.
type Webhook struct {
	ID     string   `yaml:"id" json:"id"`
	URL    string   `yaml:"url" json:"url"`
	Secret string   `yaml:"secret" json:"secret,omitempty"`
	Types  []string `yaml:"types" json:"types,omitempty"`
}

// Accepts reports whether w subscribes to notificationType.
func (w Webhook) Accepts(notificationType string) bool {
	if len(w.Types) == 0 {
		return true
	}
	for _, t := range w.Types {
		if t == notificationType {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for id := range c.Roles {
		if id == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
	}
	if c.Workflow.ManagerRole == "" {
		return fmt.Errorf("config.workflow.manager_role is required")
	}
	if _, ok := c.Roles[c.Workflow.ManagerRole]; !ok {
		return fmt.Errorf("config.workflow.manager_role references unknown role %s", c.Workflow.ManagerRole)
	}
	for name, sc := range c.Stages {
		if !domain.StageKey(name).Valid() {
			return fmt.Errorf("config.stages has unknown stage %s", name)
		}
		if sc.GatingRole == "" {
			return fmt.Errorf("stage %s has empty gating_role", name)
		}
		if _, ok := c.Roles[sc.GatingRole]; !ok {
			return fmt.Errorf("stage %s references unknown role %s", name, sc.GatingRole)
		}
	}
	for _, k := range c.Graph().Flow() {
		if _, ok := c.Stages[string(k)]; !ok {
			return fmt.Errorf("config.stages.%s is required", k)
		}
	}
	switch c.Workflow.ScheduleValidation {
	case "", ScheduleWarn, ScheduleEnforce:
	default:
		return fmt.Errorf("config.workflow.schedule_validation must be %q or %q", ScheduleWarn, ScheduleEnforce)
	}
	if c.Notifications.PollInterval != "" {
		d, err := time.ParseDuration(c.Notifications.PollInterval)
		if err != nil {
			return fmt.Errorf("config.notifications.poll_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config.notifications.poll_interval must be positive")
		}
	}
	if c.Notifications.DeadlineWarningDays < 0 {
		return fmt.Errorf("config.notifications.deadline_warning_days must not be negative")
	}
	seen := map[string]bool{}
	for i, wh := range c.Webhooks {
		if wh.ID == "" {
			return fmt.Errorf("config.webhooks[%d].id is required", i)
		}
		if seen[wh.ID] {
			return fmt.Errorf("duplicate webhook id %s", wh.ID)
		}
		seen[wh.ID] = true
		if wh.URL == "" {
			return fmt.Errorf("webhook %s has empty url", wh.ID)
		}
	}
	return nil
}

// SecondCycle reports whether the second warehouse cycle is enabled; it
// defaults to true.
func (c *Config) SecondCycle() bool {
	return c.Workflow.SecondWarehouseCycle == nil || *c.Workflow.SecondWarehouseCycle
}

// Graph returns the stage graph for this workflow shape.
func (c *Config) Graph() stages.Graph {
	return stages.Graph{
		SecondCycle:        c.SecondCycle(),
		RequireIntegration: c.Workflow.RequireIntegration,
		RequireFiles:       c.Workflow.RequireFiles,
	}
}

// GatingRole returns the role allowed to complete stage k.
func (c *Config) GatingRole(k domain.StageKey) string {
	return c.Stages[string(k)].GatingRole
}

// Policy builds the notification policy from the gating roles.
func (c *Config) Policy() notify.Policy {
	return notify.PolicyFor(c.Graph(), c.Workflow.ManagerRole, c.GatingRole)
}

// PollInterval defaults to 10s.
func (c *Config) PollInterval() time.Duration {
	if d, err := time.ParseDuration(c.Notifications.PollInterval); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// EnforceSchedule reports whether schedules longer than the project duration
// are rejected rather than warned about.
func (c *Config) EnforceSchedule() bool {
	return c.Workflow.ScheduleValidation == ScheduleEnforce
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `roles:
  manager:
    description: "Approves, schedules and archives projects"
  researcher:
    description: "Owns development"
  engineer:
    description: "Owns engineering design"
  purchaser:
    description: "Buys materials"
  processor:
    description: "Machines and fabricates parts"
  assembler:
    description: "Assembles the product"
  tester:
    description: "Runs acceptance tests"
  warehouse_in:
    description: "Receives goods into the warehouse"
  warehouse_out:
    description: "Issues goods from the warehouse"

stages:
  development:
    gating_role: researcher
  engineering:
    gating_role: engineer
  purchase:
    gating_role: purchaser
  processing:
    gating_role: processor
  warehouse_in:
    gating_role: warehouse_in
  warehouse_out:
    gating_role: warehouse_out
  assembly:
    gating_role: assembler
  testing:
    gating_role: tester
  warehouse_in_second:
    gating_role: warehouse_in
  warehouse_out_second:
    gating_role: warehouse_out
  archived:
    gating_role: manager

workflow:
  manager_role: manager
  second_warehouse_cycle: true
  require_integration: false
  require_files: false
  schedule_validation: warn

notifications:
  poll_interval: 10s
  deadline_warning_days: 3
`
