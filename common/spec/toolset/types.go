// Package toolset defines types for the versioned toolset configuration (v1).
//
// The toolset is the YAML file that declares every callable support action
// (tool) and the per-category triage plans that reference them. It is parsed
// and validated once at startup and never mutated afterwards; tool lookup at
// runtime is a pure read.
package toolset

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SpecVersion is the API version string required in every toolset config.
const SpecVersion = "toolset/v1"

// Config is the root type for a toolset configuration.
type Config struct {
	// APIVersion must be "toolset/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Metadata holds descriptive metadata.
	Metadata Metadata `yaml:"metadata" json:"metadata"`

	// Tools declares every callable action. Order is not significant;
	// names must be unique.
	Tools []Tool `yaml:"tools" json:"tools"`

	// Plans maps support categories to the tools used to resolve them.
	Plans []Plan `yaml:"plans" json:"plans"`

	toolsByName map[string]*Tool
	plansByCat  map[string]*Plan
}

// Metadata holds descriptive information about a toolset config.
type Metadata struct {
	// Name identifies the toolset (e.g. "support-default").
	Name string `yaml:"name" json:"name"`

	// Description is a human-readable summary.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Tool is the static definition of one callable support action.
type Tool struct {
	// Name is the registry key (e.g. "track_package").
	Name string `yaml:"name" json:"name"`

	// Description explains what the tool does, shown on approval requests.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// ReadOnly marks lookups that cannot change customer state. A session
	// is only eligible for unattended send when every tool it used is
	// read-only.
	ReadOnly bool `yaml:"readOnly,omitempty" json:"readOnly,omitempty"`

	// RequiresApproval gates execution behind a human reviewer. Fixed per
	// tool definition, never per call.
	RequiresApproval bool `yaml:"requiresApproval,omitempty" json:"requiresApproval,omitempty"`

	// InputSchema is a JSON Schema (draft 2020-12) constraining the
	// tool's input payload. Optional; when present every invocation
	// payload is validated against it.
	InputSchema map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`

	compiled *jsonschema.Schema
}

// Plan binds one support category to its resolution tools.
type Plan struct {
	// Category is a taxonomy value (validated against the closed set the
	// caller passes to Parse).
	Category string `yaml:"category" json:"category"`

	// Tools are the registry keys invoked, in order, when triaging a
	// session of this category. May be empty for categories answered from
	// the message alone (e.g. gratitude).
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// AutoSend marks categories whose replies may go out unattended when
	// every check passes. Categories without it always land in draft or
	// escalate.
	AutoSend bool `yaml:"autoSend,omitempty" json:"autoSend,omitempty"`

	// Labels are attached to the conversation on draft/escalate dispatch.
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// Tool returns the tool definition for name, or false when unknown.
func (c *Config) Tool(name string) (*Tool, bool) {
	t, ok := c.toolsByName[name]
	return t, ok
}

// Plan returns the triage plan for category, or false when the category has
// no plan (the engine treats that the same as an empty plan).
func (c *Config) Plan(category string) (*Plan, bool) {
	p, ok := c.plansByCat[category]
	return p, ok
}

// ToolNames returns the names of all declared tools in declaration order.
func (c *Config) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for i := range c.Tools {
		names = append(names, c.Tools[i].Name)
	}
	return names
}

// ValidateInput checks a JSON-encoded invocation payload against the tool's
// input schema. Tools without a schema accept any valid JSON object.
func (t *Tool) ValidateInput(payload json.RawMessage) error {
	var v any
	if len(payload) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("tool %s: payload is not valid JSON: %w", t.Name, err)
	}
	if t.compiled == nil {
		return nil
	}
	if err := t.compiled.Validate(v); err != nil {
		return fmt.Errorf("tool %s: payload rejected by input schema: %w", t.Name, err)
	}
	return nil
}
