package tools

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/domain"
)

// Descriptor is the tool metadata exposed on the tool-listing endpoint.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	HIL         bool     `json:"hil"`
	Utterances  []string `json:"utterances,omitempty"`
}

// Registry holds the process-wide tool catalog. It is assembled once at
// startup (internal tools, then MCP-synthesized ones, filtered by the
// whitelist) and read-only afterwards.
type Registry struct {
	order     []string
	tools     map[string]Tool
	whitelist []*regexp.Regexp
}

// NewRegistry compiles the whitelist patterns. An empty whitelist admits
// every tool.
func NewRegistry(whitelist []string) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, pattern := range whitelist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tool whitelist pattern %q: %w", pattern, err)
		}
		r.whitelist = append(r.whitelist, re)
	}
	return r, nil
}

// Allowed reports whether the name passes the whitelist.
func (r *Registry) Allowed(name string) bool {
	if len(r.whitelist) == 0 {
		return true
	}
	for _, re := range r.whitelist {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Register adds a tool unless the whitelist rejects it. Duplicate names are
// a configuration error.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if !r.Allowed(name) {
		log.Debug().Str("tool", name).Msg("tool rejected by whitelist")
		return nil
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q registered twice", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// RegisterMCP synthesizes registry tools from an MCP server's catalog.
func (r *Registry) RegisterMCP(ctx context.Context, caller MCPCaller) error {
	remote, err := caller.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list MCP tools: %w", err)
	}
	for _, rt := range remote {
		if err := r.Register(NewMCPTool(caller, rt)); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named tool or domain.ErrToolNotFound.
func (r *Registry) Get(name string) (Tool, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	return tool, nil
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Subset returns the tools whose names appear in names, preserving registry
// order and skipping unknown entries.
func (r *Registry) Subset(names []string) []Tool {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []Tool
	for _, name := range r.order {
		if wanted[name] {
			out = append(out, r.tools[name])
		}
	}
	return out
}

// Descriptors returns the listing metadata for every registered tool.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		d := Descriptor{
			Name:        tool.Name(),
			Description: tool.Description(),
			HIL:         tool.HIL(),
		}
		if u, ok := tool.(Utterancer); ok {
			d.Utterances = u.Utterances()
		}
		out = append(out, d)
	}
	return out
}
