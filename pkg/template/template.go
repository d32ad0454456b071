// Package template generates starter [[units]] and [[schedules]] entries for
// a svcplane config file.
package template

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType names a kind of unit to generate.
type TemplateType string

const (
	TypeTicker    TemplateType = "ticker"
	TypeEcho      TemplateType = "echo"
	TypeFaulty    TemplateType = "faulty"
	TypeProcess   TemplateType = "process"
	TypeWorker    TemplateType = "worker"
	TypeScheduled TemplateType = "scheduled"
	TypeCron      TemplateType = "cron"
)

// UnitTemplate is one [[units]] entry.
type UnitTemplate struct {
	Name         string            `toml:"name" json:"name"`
	Kind         string            `toml:"kind" json:"kind"`
	Mode         string            `toml:"mode,omitempty" json:"mode,omitempty"`
	LoopInterval string            `toml:"loop_interval,omitempty" json:"loop_interval,omitempty"`
	PIDDir       string            `toml:"pid_dir,omitempty" json:"pid_dir,omitempty"`
	Params       map[string]string `toml:"params,omitempty" json:"params,omitempty"`
	Log          *LogConfig        `toml:"log,omitempty" json:"log,omitempty"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	File *FileLogConfig `toml:"file,omitempty" json:"file,omitempty"`
}

// FileLogConfig represents file logging configuration
type FileLogConfig struct {
	Dir string `toml:"dir" json:"dir"`
}

// ScheduleTemplate is one [[schedules]] entry.
type ScheduleTemplate struct {
	Name     string `toml:"name" json:"name"`
	Schedule string `toml:"schedule" json:"schedule"`
	Unit     string `toml:"unit" json:"unit"`
	Action   string `toml:"action" json:"action"`
	Payload  string `toml:"payload,omitempty" json:"payload,omitempty"`
}

// Document is the generated config fragment.
type Document struct {
	Units     []UnitTemplate     `toml:"units" json:"units"`
	Schedules []ScheduleTemplate `toml:"schedules,omitempty" json:"schedules,omitempty"`
}

// Generator provides template generation functionality
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates the entries for a unit of the given type.
func (g *Generator) Generate(templateType TemplateType, name string) (*Document, error) {
	if name == "" {
		return nil, fmt.Errorf("template: empty unit name")
	}
	switch templateType {
	case TypeTicker:
		return &Document{Units: []UnitTemplate{{
			Name: name, Kind: string(TypeTicker), LoopInterval: "1s",
			Params: map[string]string{"every": "10"},
		}}}, nil
	case TypeEcho:
		return &Document{Units: []UnitTemplate{{Name: name, Kind: string(TypeEcho), LoopInterval: "500ms"}}}, nil
	case TypeFaulty:
		return &Document{Units: []UnitTemplate{{
			Name: name, Kind: string(TypeFaulty), LoopInterval: "1s",
			Params: map[string]string{"after": "3", "mode": "error"},
		}}}, nil
	case TypeProcess, TypeWorker:
		return &Document{Units: []UnitTemplate{{
			Name: name, Kind: string(TypeEcho), Mode: "process", LoopInterval: "500ms",
			PIDDir: "/var/run/svcplane",
			Log:    &LogConfig{File: &FileLogConfig{Dir: "/var/log/svcplane/" + name}},
		}}}, nil
	case TypeScheduled, TypeCron:
		return &Document{
			Units: []UnitTemplate{{Name: name, Kind: string(TypeEcho), LoopInterval: "1s"}},
			Schedules: []ScheduleTemplate{{
				Name: name + "-ping", Schedule: "@every 1m", Unit: name,
				Action: "send", Payload: `{"ping":true}`,
			}},
		}, nil
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: ticker, echo, faulty, process, scheduled)", templateType)
	}
}

// GenerateTOML renders the entries as config file text.
func (g *Generator) GenerateTOML(templateType TemplateType, name string) ([]byte, error) {
	doc, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return out, nil
}

// GenerateJSON creates a JSON representation of the template
func (g *Generator) GenerateJSON(templateType TemplateType, name string) ([]byte, error) {
	doc, err := g.Generate(templateType, name)
	if err != nil {
		return nil, err
	}
	jsonData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return jsonData, nil
}

// GetSupportedTypes returns a list of all supported template types
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeTicker),
		string(TypeEcho),
		string(TypeFaulty),
		string(TypeProcess),
		string(TypeScheduled),
	}
}
