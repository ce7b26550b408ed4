// Package tools binds toolset definitions to executable handlers and runs
// them with approval gating.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avoline/triage/common/spec/toolset"
)

// Handler runs one tool call against a backend system. Input has already
// been validated against the tool's schema when a handler is invoked.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry is the immutable binding of toolset definitions to handlers.
// Built once at startup; lookups are pure reads.
type Registry struct {
	cfg      *toolset.Config
	handlers map[string]Handler
}

// NewRegistry binds cfg to handlers. Every declared tool must have a
// handler and every handler must correspond to a declared tool, so a
// config/code drift is caught at startup instead of mid-conversation.
func NewRegistry(cfg *toolset.Config, handlers map[string]Handler) (*Registry, error) {
	for _, name := range cfg.ToolNames() {
		if _, ok := handlers[name]; !ok {
			return nil, fmt.Errorf("tool %q declared but no handler bound", name)
		}
	}
	for name := range handlers {
		if _, ok := cfg.Tool(name); !ok {
			return nil, fmt.Errorf("handler %q bound but tool not declared", name)
		}
	}
	return &Registry{cfg: cfg, handlers: handlers}, nil
}

// Config returns the toolset configuration backing this registry.
func (r *Registry) Config() *toolset.Config {
	return r.cfg
}

// Lookup returns the definition and handler for a tool name.
func (r *Registry) Lookup(name string) (*toolset.Tool, Handler, error) {
	tool, ok := r.cfg.Tool(name)
	if !ok {
		return nil, nil, fmt.Errorf("unknown tool %q", name)
	}
	return tool, r.handlers[name], nil
}
