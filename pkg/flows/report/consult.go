package report

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/opgroeien/flowd/pkg/flows/chat"
	"github.com/opgroeien/flowd/pkg/graph"
)

// ConsultTool lets the analyst ask the chat subgraph a free-form
// question. Each call runs on an ephemeral thread; concurrency is
// governed by the consult pool of the model the subgraph is built on.
type ConsultTool struct {
	Flow *graph.Compiled
}

func (t *ConsultTool) Name() string { return "consult_general_knowledge" }

func (t *ConsultTool) Description() string {
	return "Stel een algemene kennisvraag aan de chat-assistent, bijvoorbeeld over beleid of context buiten de aangeleverde procedures."
}

func (t *ConsultTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{
				"type":        "string",
				"description": "De vraag, in het Nederlands",
			},
		},
		"required": []string{"question"},
	}
}

func (t *ConsultTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	question, _ := args["question"].(string)
	if question == "" {
		return "", fmt.Errorf("consult_general_knowledge requires a question argument")
	}

	final, err := t.Flow.Invoke(ctx, chat.InitialState(question), graph.RunConfig{
		ThreadID: "consult-" + uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("consult subgraph: %w", err)
	}
	answer := chat.Response(final)
	if answer == "" {
		return "", fmt.Errorf("consult subgraph returned no answer")
	}
	return answer, nil
}
