package tools

import (
	"context"
	"fmt"
)

// Stub returns canned responses for testing. Responses are looked up by
// a named argument value when Routes is set, falling back to Content.
type Stub struct {
	ToolName string
	Content  string

	// RouteArg selects the argument whose value keys into Routes.
	RouteArg string
	Routes   map[string]string

	// Err, when set, is returned from every Execute call.
	Err error

	// Calls records the argument maps of every invocation.
	Calls []map[string]any
}

func (s *Stub) Name() string        { return s.ToolName }
func (s *Stub) Description() string { return fmt.Sprintf("stub tool %s", s.ToolName) }

func (s *Stub) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
	}
}

func (s *Stub) Execute(ctx context.Context, args map[string]any) (string, error) {
	s.Calls = append(s.Calls, args)
	if s.Err != nil {
		return "", s.Err
	}
	if s.RouteArg != "" {
		if key, ok := args[s.RouteArg].(string); ok {
			if resp, ok := s.Routes[key]; ok {
				return resp, nil
			}
		}
	}
	return s.Content, nil
}
