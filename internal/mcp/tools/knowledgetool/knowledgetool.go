// Package knowledgetool provides a built-in MCP tool that exposes the
// knowledge base to the call assistant and the SMS router.
//
// One tool is exported via [NewTools]:
//   - "search_knowledge" — retrieve background passages relevant to a topic.
//
// All handlers are safe for concurrent use.
package knowledgetool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/callyx/internal/knowledge"
	"github.com/MrWong99/callyx/internal/mcp/tools"
	"github.com/MrWong99/callyx/pkg/types"
)

// searchKnowledgeArgs is the JSON-decoded input for the "search_knowledge" tool.
type searchKnowledgeArgs struct {
	// Topic is the question or subject to retrieve background text for.
	Topic string `json:"topic"`
}

// NewTools returns the knowledge-base tools backed by the given retriever,
// ready for registration with the MCP Host.
func NewTools(r knowledge.Retriever) []tools.Tool {
	handler := func(ctx context.Context, args string) (string, error) {
		var a searchKnowledgeArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("knowledgetool: search_knowledge: failed to parse arguments: %w", err)
		}
		if strings.TrimSpace(a.Topic) == "" {
			return "", fmt.Errorf("knowledgetool: search_knowledge: topic must not be empty")
		}

		text, err := r.Retrieve(ctx, a.Topic)
		if err != nil {
			return "", fmt.Errorf("knowledgetool: search_knowledge: %w", err)
		}
		if text == "" {
			return "nothing in the knowledge base matches " + a.Topic, nil
		}
		return text, nil
	}

	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "search_knowledge",
				Description: "Search the business knowledge base (hours, services, policies, pricing) for passages relevant to a topic. Returns formatted text grouped by source document.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"topic": map[string]any{
							"type":        "string",
							"description": "Question or subject to look up, e.g. 'emergency service hours'.",
						},
					},
					"required": []string{"topic"},
				},
				EstimatedDurationMs: 30,
				MaxDurationMs:       500,
				Idempotent:          true,
				CacheableSeconds:    300,
			},
			Handler:     handler,
			DeclaredP50: 30,
			DeclaredMax: 500,
		},
	}
}
