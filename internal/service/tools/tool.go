// Package tools 封装外部工具网关：发现、校验与调用。
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Tool 工具定义，Parameters 为 JSON Schema。
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type jsonSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Properties  map[string]*jsonSchema `json:"properties"`
	Required    []string               `json:"required"`
	Items       *jsonSchema            `json:"items"`
	Enum        []any                  `json:"enum"`
}

func (t Tool) parsedSchema() (*jsonSchema, error) {
	if len(t.Parameters) == 0 || string(t.Parameters) == "null" {
		return &jsonSchema{Type: "object"}, nil
	}
	var s jsonSchema
	if err := json.Unmarshal(t.Parameters, &s); err != nil {
		return nil, fmt.Errorf("tool %s: invalid parameter schema: %w", t.Name, err)
	}
	return &s, nil
}

// Required 返回 schema 中声明的必填参数。
func (t Tool) Required() []string {
	s, err := t.parsedSchema()
	if err != nil {
		return nil
	}
	return s.Required
}

// ToolInfo converts the tool into the model-facing eino description.
func (t Tool) ToolInfo() (*schema.ToolInfo, error) {
	s, err := t.parsedSchema()
	if err != nil {
		return nil, err
	}
	info := &schema.ToolInfo{Name: t.Name, Desc: t.Description}
	if len(s.Properties) > 0 {
		required := make(map[string]bool, len(s.Required))
		for _, name := range s.Required {
			required[name] = true
		}
		params := make(map[string]*schema.ParameterInfo, len(s.Properties))
		for name, prop := range s.Properties {
			p := toParameterInfo(prop)
			p.Required = required[name]
			params[name] = p
		}
		info.ParamsOneOf = schema.NewParamsOneOfByParams(params)
	}
	return info, nil
}

func toParameterInfo(s *jsonSchema) *schema.ParameterInfo {
	if s == nil {
		return &schema.ParameterInfo{Type: schema.String}
	}
	p := &schema.ParameterInfo{Type: dataType(s.Type), Desc: s.Description}
	for _, v := range s.Enum {
		p.Enum = append(p.Enum, fmt.Sprint(v))
	}
	if s.Items != nil {
		p.ElemInfo = toParameterInfo(s.Items)
	}
	if len(s.Properties) > 0 {
		required := make(map[string]bool, len(s.Required))
		for _, name := range s.Required {
			required[name] = true
		}
		p.SubParams = make(map[string]*schema.ParameterInfo, len(s.Properties))
		for name, prop := range s.Properties {
			sub := toParameterInfo(prop)
			sub.Required = required[name]
			p.SubParams[name] = sub
		}
	}
	return p
}

func dataType(t string) schema.DataType {
	switch strings.ToLower(t) {
	case "integer":
		return schema.Integer
	case "number":
		return schema.Number
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

// missingArguments 返回 args 中缺失的必填参数（按名称排序）。
func missingArguments(t Tool, args json.RawMessage) ([]string, error) {
	required := t.Required()
	if len(required) == 0 {
		return nil, nil
	}
	var values map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &values); err != nil {
			return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
		}
	}
	var missing []string
	for _, name := range required {
		if v, ok := values[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing, nil
}
