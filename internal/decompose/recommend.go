package decompose

import "github.com/user/taskforge/internal/store"

// Fixed (task_type, complexity) table assigning the model tier.
// Simple research/analysis/documentation and all asset generation
// route to the free local tier; the paid tiers are reserved for work
// that needs them. Unknown combinations fall back to haiku.
var tierMap = map[[2]string]string{
	{"code", "simple"}:  store.TierHaiku,
	{"code", "medium"}:  store.TierSonnet,
	{"code", "complex"}: store.TierSonnet,

	{"research", "simple"}:  store.TierOllama,
	{"research", "medium"}:  store.TierHaiku,
	{"research", "complex"}: store.TierSonnet,

	{"analysis", "simple"}:  store.TierOllama,
	{"analysis", "medium"}:  store.TierHaiku,
	{"analysis", "complex"}: store.TierSonnet,

	{"asset", "simple"}:  store.TierOllama,
	{"asset", "medium"}:  store.TierOllama,
	{"asset", "complex"}: store.TierOllama,

	{"integration", "simple"}:  store.TierHaiku,
	{"integration", "medium"}:  store.TierHaiku,
	{"integration", "complex"}: store.TierSonnet,

	{"documentation", "simple"}:  store.TierOllama,
	{"documentation", "medium"}:  store.TierHaiku,
	{"documentation", "complex"}: store.TierSonnet,
}

// Default tool set per task type; the plan's own tools list, when
// present, overrides this.
var toolsMap = map[string][]string{
	"code":          {"rag_lookup", "read_file", "write_file"},
	"research":      {"rag_lookup"},
	"analysis":      {"rag_lookup", "read_file"},
	"asset":         {"generate_image", "write_file"},
	"integration":   {"read_file", "write_file"},
	"documentation": {"rag_lookup", "read_file", "write_file"},
}

type recommendation struct {
	tier  string
	tools []string
}

func recommend(taskType, complexity string) recommendation {
	tier, ok := tierMap[[2]string{taskType, complexity}]
	if !ok {
		tier = store.TierHaiku
	}
	tools, ok := toolsMap[taskType]
	if !ok {
		tools = []string{"rag_lookup"}
	}
	return recommendation{tier: tier, tools: tools}
}
