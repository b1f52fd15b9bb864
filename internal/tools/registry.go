package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/cloudwego/eino/schema"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/podex-dev/agentcore/internal/checkpoint"
)

// ErrUnknownTool is returned for names that are not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Registry is the explicit set of tools known to a process. It is built at
// startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Resolved
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Resolved),
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool and compiles its argument schema.
func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec.Name == "" {
		return errors.New("tool name is required")
	}
	s, err := spec.Schema()
	if err != nil {
		return fmt.Errorf("tool %q: %w", spec.Name, err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %q: resolve schema: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	r.tools[spec.Name] = t
	r.schemas[spec.Name] = resolved
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allowed filters names by an allowlist. An empty allowlist allows every
// registered tool.
func (r *Registry) Allowed(allowlist []string) []string {
	names := r.Names()
	if len(allowlist) == 0 {
		return names
	}
	out := names[:0]
	for _, n := range names {
		if slices.Contains(allowlist, n) {
			out = append(out, n)
		}
	}
	return out
}

// Catalog returns the tool descriptions offered to the model.
func (r *Registry) Catalog(allowlist []string) []*schema.ToolInfo {
	var infos []*schema.ToolInfo
	for _, name := range r.Allowed(allowlist) {
		t, _ := r.Get(name)
		infos = append(infos, t.Spec().Info())
	}
	return infos
}

// Describe returns the JSON form of the allowed tool specs, for estimating
// what the catalog costs in the model's context.
func (r *Registry) Describe(allowlist []string) string {
	var specs []*Spec
	for _, name := range r.Allowed(allowlist) {
		t, _ := r.Get(name)
		specs = append(specs, t.Spec())
	}
	data, err := json.Marshal(specs)
	if err != nil {
		return ""
	}
	return string(data)
}

// Validate checks a raw arguments object against the tool's schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	resolved, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var instance any
	if len(args) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(args, &instance); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if _, ok := instance.(map[string]any); !ok {
		return errors.New("arguments must be a JSON object")
	}
	return resolved.Validate(instance)
}

// Changes reports the file effects of a write-class call. Read-class tools
// and tools without a change function report none.
func (r *Registry) Changes(name string, args json.RawMessage) ([]checkpoint.FileChange, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	rt, ok := t.(*RemoteTool)
	if !ok || rt.changes == nil || rt.spec.Class != ClassWrite {
		return nil, nil
	}
	changes, err := rt.changes(args)
	if err != nil {
		return nil, err
	}
	for i := range changes {
		changes[i].Tool = name
	}
	return changes, nil
}
