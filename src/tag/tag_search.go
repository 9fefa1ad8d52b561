package tag

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/repository"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/tools"
)

// TagSearchStrategy implements a tool search strategy based on tags, names and description keywords.
type TagSearchStrategy struct {
	toolRepository    repository.ToolRepository
	descriptionWeight float64
	wordRegex         *regexp.Regexp
}

// NewTagSearchStrategy creates a new TagSearchStrategy with the given repository and description weight.
func NewTagSearchStrategy(repo repository.ToolRepository, descriptionWeight float64) *TagSearchStrategy {
	return &TagSearchStrategy{
		toolRepository:    repo,
		descriptionWeight: descriptionWeight,
		wordRegex:         regexp.MustCompile(`[a-z0-9]+`),
	}
}

// SearchTools returns tools ordered by relevance to the query. With no positive match
// it falls back to the first limit tools so callers can still discover something.
func (s *TagSearchStrategy) SearchTools(ctx context.Context, query string, limit int) ([]tools.Tool, error) {
	if limit <= 0 {
		limit = 10
	}
	queryLower := strings.ToLower(strings.TrimSpace(query))
	words := s.wordRegex.FindAllString(queryLower, -1)
	queryWordSet := make(map[string]struct{}, len(words))
	for _, w := range words {
		queryWordSet[w] = struct{}{}
	}

	all, err := s.toolRepository.GetTools(ctx)
	if err != nil {
		return nil, err
	}

	type scoredTool struct {
		tool  tools.Tool
		score float64
	}
	scored := make([]scoredTool, 0, len(all))

	for _, t := range all {
		var score float64

		for _, tag := range t.Tags {
			tagLower := strings.ToLower(tag)
			if queryLower != "" && strings.Contains(queryLower, tagLower) {
				score += 1.0
			}
			for _, w := range s.wordRegex.FindAllString(tagLower, -1) {
				if _, ok := queryWordSet[w]; ok {
					score += s.descriptionWeight
				}
			}
		}

		// Tool names are snake_case, so each part counts as a keyword.
		for _, w := range s.wordRegex.FindAllString(strings.ToLower(t.Name), -1) {
			if _, ok := queryWordSet[w]; ok {
				score += 1.0
			}
		}

		if t.Description != "" {
			for _, w := range s.wordRegex.FindAllString(strings.ToLower(t.Description), -1) {
				if len(w) > 2 {
					if _, ok := queryWordSet[w]; ok {
						score += s.descriptionWeight
					}
				}
			}
		}

		scored = append(scored, scoredTool{tool: t, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	var result []tools.Tool
	for _, st := range scored {
		if st.score > 0 {
			result = append(result, st.tool)
			if len(result) >= limit {
				break
			}
		}
	}

	if len(result) == 0 {
		for i, st := range scored {
			if i >= limit {
				break
			}
			result = append(result, st.tool)
		}
	}

	return result, nil
}
