package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gravity-claw/internal/knowledge"
	"gravity-claw/internal/tools"
)

const searchLimit = 5

type saveArgs struct {
	Content string `json:"content" jsonschema:"description=The text content to save and index for future search."`
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"description=The search query to match against past documents."`
}

// Memory 返回保存与检索文档记忆的工具。
func Memory(store knowledge.DocumentStore) []tools.Handler {
	return []tools.Handler{
		tools.Func("save_to_memory", "Save an important fact or document snippet into the users long term memory database.",
			func(ctx context.Context, args saveArgs, _ tools.Invocation) (any, error) {
				if strings.TrimSpace(args.Content) == "" {
					return nil, errors.New("content 不能为空")
				}
				if _, err := store.SaveDocument(ctx, args.Content); err != nil {
					return nil, err
				}
				return map[string]any{"success": true, "message": "Saved to memory."}, nil
			}),
		tools.Func("search_memory", "Search the users long term memory database for facts.",
			func(ctx context.Context, args searchArgs, _ tools.Invocation) (any, error) {
				docs, err := store.SearchDocuments(ctx, args.Query, searchLimit)
				if err != nil {
					return nil, err
				}
				results := make([]string, 0, len(docs))
				for _, doc := range docs {
					results = append(results, doc.Content)
				}
				return map[string][]string{"results": results}, nil
			}),
	}
}

type graphArgs struct {
	Triples []knowledge.Triple `json:"triples" jsonschema:"description=An array of relationships to insert into the graph."`
}

type entityArgs struct {
	Entity string `json:"entity" jsonschema:"description=The name of the entity to look up (e.g. 'Glenn' or 'Project X')."`
}

// Graph 返回写入与查询知识图谱的工具。
func Graph(store knowledge.GraphStore) []tools.Handler {
	return []tools.Handler{
		tools.Func("add_to_graph",
			"Store explicit knowledge, facts, and relationships about entities in the Knowledge Graph using semantic triples (Subject -> Predicate -> Object). Use this to remember highly specific details (e.g., 'User' -> 'likes' -> 'Sci-Fi').",
			func(ctx context.Context, args graphArgs, _ tools.Invocation) (any, error) {
				if len(args.Triples) == 0 {
					return "No triples provided.", nil
				}
				if _, err := store.AddTriples(ctx, args.Triples); err != nil {
					return nil, fmt.Errorf("Failed to update graph: %w", err)
				}
				return fmt.Sprintf("Successfully added %d facts to the Knowledge Graph.", len(args.Triples)), nil
			}),
		tools.Func("query_graph",
			"Query the Knowledge Graph for relationships involving a specific entity. Returns all triples where the requested entity is either the Subject or the Object.",
			func(ctx context.Context, args entityArgs, _ tools.Invocation) (any, error) {
				triples, err := store.QueryEntity(ctx, args.Entity)
				if err != nil {
					return nil, fmt.Errorf("Failed to query graph: %w", err)
				}
				if len(triples) == 0 {
					return "No known relationships found in the Knowledge Graph for entity: " + args.Entity, nil
				}
				lines := make([]string, 0, len(triples))
				for _, triple := range triples {
					lines = append(lines, triple.String())
				}
				return fmt.Sprintf("Knowledge Graph results for '%s':\n%s", args.Entity, strings.Join(lines, "\n")), nil
			}),
	}
}
