package manifest

import (
	"sort"
	"strings"

	"github.com/mcpgate/mcpgate/pkg/gateway"
)

// matchThreshold is the minimum word-overlap score for a fuzzy match.
const matchThreshold = 0.4

// Search depths. Each depth includes everything the previous one shows.
const (
	// DepthServers lists matching backends with tool counts.
	DepthServers = 0

	// DepthCategories adds the tool categories per backend.
	DepthCategories = 1

	// DepthTools adds matching tool names.
	DepthTools = 2

	// DepthSchemas adds descriptions and full input schemas.
	DepthSchemas = 3
)

// SearchOptions selects what to search and how much detail to return.
type SearchOptions struct {
	// Query is the free-text query. An empty or single-character query
	// returns everything visible ("show all").
	Query string

	// Depth is clamped to [DepthServers, DepthSchemas].
	Depth int

	// Backends restricts the search to the caller's visible backends.
	Backends []string
}

// ServerEntry is one backend in a search result.
type ServerEntry struct {
	Server     string      `json:"server"`
	ToolCount  int         `json:"tool_count"`
	Categories []string    `json:"categories,omitempty"`
	Tools      []ToolEntry `json:"tools,omitempty"`
}

// ToolEntry is one tool in a search result. The name is qualified.
type ToolEntry struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Search runs a progressive-detail query over the catalog. Matching is a
// word-overlap heuristic: a backend or tool is included when enough of the
// query's words appear in its name, category, or (at full depth) its
// description.
func (m *Manifest) Search(opts SearchOptions) []ServerEntry {
	depth := opts.Depth
	if depth < DepthServers {
		depth = DepthServers
	}
	if depth > DepthSchemas {
		depth = DepthSchemas
	}

	query := strings.TrimSpace(strings.ToLower(opts.Query))
	showAll := len(query) <= 1

	snap := m.snap.Load()
	backends := append([]string(nil), opts.Backends...)
	sort.Strings(backends)

	var out []ServerEntry
	for _, backend := range backends {
		tools, ok := snap.backends[backend]
		if !ok {
			continue
		}

		serverMatch := showAll || overlapScore(query, backend) >= matchThreshold

		var matched []gateway.Tool
		for _, tool := range tools {
			if serverMatch || m.toolMatches(query, tool, depth) {
				matched = append(matched, tool)
			}
		}
		if len(matched) == 0 {
			continue
		}

		entry := ServerEntry{Server: backend, ToolCount: len(tools)}
		if depth >= DepthCategories {
			entry.Categories = categoriesOf(tools)
		}
		if depth >= DepthTools {
			for _, tool := range matched {
				te := ToolEntry{Name: gateway.QualifyToolName(backend, tool.Name)}
				if depth >= DepthSchemas {
					te.Description = tool.Description
					te.InputSchema = tool.InputSchema
				}
				entry.Tools = append(entry.Tools, te)
			}
		}
		out = append(out, entry)
	}
	return out
}

func (*Manifest) toolMatches(query string, tool gateway.Tool, depth int) bool {
	text := tool.Name
	if category := categoryOf(tool.Name); category != "" {
		text += " " + category
	}
	if depth >= DepthSchemas {
		text += " " + tool.Description
	}
	return overlapScore(query, text) >= matchThreshold
}

// categoryOf extracts the category prefix from tool names shaped like
// "category__action". Tools without a prefix have no category.
func categoryOf(toolName string) string {
	if idx := strings.Index(toolName, gateway.QualifiedNameSeparator); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

func categoriesOf(tools []gateway.Tool) []string {
	set := map[string]bool{}
	for _, tool := range tools {
		if category := categoryOf(tool.Name); category != "" {
			set[category] = true
		}
	}
	out := make([]string, 0, len(set))
	for category := range set {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// overlapScore is the fraction of query words found in the candidate
// text. A word counts when it and a candidate token contain one another
// in either direction, which tolerates stems like "search"/"searches".
func overlapScore(query, candidate string) float64 {
	queryWords := tokenize(query)
	if len(queryWords) == 0 {
		return 0
	}
	candidateWords := tokenize(strings.ToLower(candidate))

	matched := 0
	for _, qw := range queryWords {
		for _, cw := range candidateWords {
			if strings.Contains(cw, qw) || strings.Contains(qw, cw) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(queryWords))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	})
}
