package toolset

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Parse decodes a toolset YAML document, validates it against the given
// closed category set, and compiles every declared input schema. It is the
// canonical entry point for loading toolset configurations.
func Parse(data []byte, categories []string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("toolset parse: %w", err)
	}
	if err := Validate(&cfg, categories); err != nil {
		return nil, err
	}
	if err := compileSchemas(&cfg); err != nil {
		return nil, err
	}
	cfg.index()
	return &cfg, nil
}

// Validate checks a Config for structural correctness without compiling
// schemas. It returns the first validation error encountered.
func Validate(cfg *Config, categories []string) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	if cfg.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, cfg.APIVersion)
	}

	if strings.TrimSpace(cfg.Metadata.Name) == "" {
		return fmt.Errorf("metadata.name must not be empty")
	}

	seen := make(map[string]struct{}, len(cfg.Tools))
	for i := range cfg.Tools {
		t := &cfg.Tools[i]
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tools[%d]: name must not be empty", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("tools[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.ReadOnly && t.RequiresApproval {
			return fmt.Errorf("tools[%d] (%q): a read-only tool cannot require approval", i, t.Name)
		}
	}

	known := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		known[c] = struct{}{}
	}

	planCats := make(map[string]struct{}, len(cfg.Plans))
	for i, p := range cfg.Plans {
		if _, ok := known[p.Category]; !ok {
			return fmt.Errorf("plans[%d]: unknown category %q", i, p.Category)
		}
		if _, dup := planCats[p.Category]; dup {
			return fmt.Errorf("plans[%d]: duplicate plan for category %q", i, p.Category)
		}
		planCats[p.Category] = struct{}{}
		for _, name := range p.Tools {
			if _, ok := seen[name]; !ok {
				return fmt.Errorf("plans[%d] (%q): references undeclared tool %q", i, p.Category, name)
			}
		}
	}

	return nil
}

// compileSchemas compiles each tool's inputSchema so invocation payloads can
// be validated without re-parsing the schema on every call.
func compileSchemas(cfg *Config) error {
	for i := range cfg.Tools {
		t := &cfg.Tools[i]
		if t.InputSchema == nil {
			continue
		}
		raw, err := json.Marshal(t.InputSchema)
		if err != nil {
			return fmt.Errorf("tools[%d] (%q): encode input schema: %w", i, t.Name, err)
		}
		schema, err := jsonschema.CompileString("toolset://"+t.Name, string(raw))
		if err != nil {
			return fmt.Errorf("tools[%d] (%q): compile input schema: %w", i, t.Name, err)
		}
		t.compiled = schema
	}
	return nil
}

// index builds the lookup maps used by Tool and Plan.
func (c *Config) index() {
	c.toolsByName = make(map[string]*Tool, len(c.Tools))
	for i := range c.Tools {
		c.toolsByName[c.Tools[i].Name] = &c.Tools[i]
	}
	c.plansByCat = make(map[string]*Plan, len(c.Plans))
	for i := range c.Plans {
		c.plansByCat[c.Plans[i].Category] = &c.Plans[i]
	}
}
