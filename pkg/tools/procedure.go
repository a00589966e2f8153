package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/opgroeien/flowd/pkg/models"
)

const maxProcedureMatches = 3

// NewProcedureLookup exposes the procedure corpus as a chat tool: the
// model queries by procedure id or free text and receives the matching
// procedure texts.
func NewProcedureLookup(procedures []models.Procedure) *Func {
	return &Func{
		ToolName:        "get_procedure",
		ToolDescription: "Zoekt een procedure op in het procedurehandboek, op nummer (bv. PR-AV-001) of op trefwoord.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Procedurenummer of zoekterm.",
				},
			},
			"required": []string{"query"},
		},
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			matches := searchProcedures(procedures, query)
			if len(matches) == 0 {
				return fmt.Sprintf("Geen procedure gevonden voor %q.", query), nil
			}
			var b strings.Builder
			for _, p := range matches {
				fmt.Fprintf(&b, "%s: %s\n%s\n\n", p.ID, p.Title, p.Content)
			}
			return strings.TrimSpace(b.String()), nil
		},
	}
}

// searchProcedures prefers an exact id match, then falls back to a
// case-insensitive substring search over id, title and content.
func searchProcedures(procedures []models.Procedure, query string) []models.Procedure {
	for _, p := range procedures {
		if strings.EqualFold(p.ID, query) {
			return []models.Procedure{p}
		}
	}
	needle := strings.ToLower(query)
	var matches []models.Procedure
	for _, p := range procedures {
		haystack := strings.ToLower(p.ID + " " + p.Title + " " + p.Content)
		if strings.Contains(haystack, needle) {
			matches = append(matches, p)
			if len(matches) == maxProcedureMatches {
				break
			}
		}
	}
	return matches
}
