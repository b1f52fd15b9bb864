// Package tools holds the tool registry and the executor that validates,
// dispatches and records tool calls, in process or against a workspace.
package tools

import (
	"fmt"
	"sort"

	"github.com/cloudwego/eino/schema"
	"github.com/google/jsonschema-go/jsonschema"
)

// Target says where a tool runs.
type Target string

const (
	TargetLocal  Target = "local"
	TargetRemote Target = "remote"
)

// Class separates tools that only observe state from tools that change it.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
)

// Spec describes a tool as the model and the validator see it.
type Spec struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]ParamSpec `json:"parameters"`
	Class       Class                `json:"class"`
	Dangerous   bool                 `json:"dangerous"` // always requires approval
}

// ParamSpec describes a single tool parameter.
type ParamSpec struct {
	Type        string               `json:"type"` // "string", "number", "boolean", "integer", "array", "object"
	Description string               `json:"description"`
	Required    bool                 `json:"required"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *ParamSpec           `json:"items,omitempty"`
	Properties  map[string]ParamSpec `json:"properties,omitempty"`
}

// Info converts the spec into the catalog entry handed to the model.
func (s *Spec) Info() *schema.ToolInfo {
	info := &schema.ToolInfo{
		Name: s.Name,
		Desc: s.Description,
	}
	if len(s.Parameters) > 0 {
		params := make(map[string]*schema.ParameterInfo, len(s.Parameters))
		for name, p := range s.Parameters {
			params[name] = p.parameterInfo()
		}
		info.ParamsOneOf = schema.NewParamsOneOfByParams(params)
	}
	return info
}

func (p ParamSpec) parameterInfo() *schema.ParameterInfo {
	info := &schema.ParameterInfo{
		Type:     paramTypeToDataType(p.Type),
		Desc:     p.Description,
		Required: p.Required,
		Enum:     p.Enum,
	}
	if p.Items != nil {
		info.ElemInfo = p.Items.parameterInfo()
	}
	if len(p.Properties) > 0 {
		info.SubParams = make(map[string]*schema.ParameterInfo, len(p.Properties))
		for name, sub := range p.Properties {
			info.SubParams[name] = sub.parameterInfo()
		}
	}
	return info
}

func paramTypeToDataType(t string) schema.DataType {
	switch t {
	case "string":
		return schema.String
	case "number":
		return schema.Number
	case "integer":
		return schema.Integer
	case "boolean":
		return schema.Boolean
	case "array":
		return schema.Array
	case "object":
		return schema.Object
	default:
		return schema.String
	}
}

// Schema returns the JSON Schema the arguments object must satisfy. Unknown
// arguments are rejected.
func (s *Spec) Schema() (*jsonschema.Schema, error) {
	return objectSchema(s.Description, s.Parameters)
}

func objectSchema(desc string, props map[string]ParamSpec) (*jsonschema.Schema, error) {
	out := &jsonschema.Schema{
		Type:                 "object",
		Description:          desc,
		Properties:           make(map[string]*jsonschema.Schema, len(props)),
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := props[name]
		sub, err := p.schema()
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out.Properties[name] = sub
		if p.Required {
			out.Required = append(out.Required, name)
		}
	}
	return out, nil
}

func (p ParamSpec) schema() (*jsonschema.Schema, error) {
	switch p.Type {
	case "string", "number", "integer", "boolean":
		s := &jsonschema.Schema{Type: p.Type, Description: p.Description}
		for _, v := range p.Enum {
			s.Enum = append(s.Enum, v)
		}
		return s, nil
	case "array":
		s := &jsonschema.Schema{Type: "array", Description: p.Description}
		if p.Items != nil {
			items, err := p.Items.schema()
			if err != nil {
				return nil, fmt.Errorf("items: %w", err)
			}
			s.Items = items
		}
		return s, nil
	case "object":
		if len(p.Properties) == 0 {
			return &jsonschema.Schema{Type: "object", Description: p.Description}, nil
		}
		return objectSchema(p.Description, p.Properties)
	default:
		return nil, fmt.Errorf("unsupported type %q", p.Type)
	}
}
