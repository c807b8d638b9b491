// Package outputs projects the engine's flat output namespace back onto the
// hierarchical construct tree declared in the synthesized definition.
package outputs

import (
	"log/slog"

	"github.com/stacklift-io/stacklift/internal/definition"
)

// Correlate rekeys the flat output map by the construct-identifier path
// declared for each output name. The flat map stays the source of truth:
// names with no declared path are omitted from the tree but are never
// removed from the flat map handed back to callers.
//
// Correlate is a pure projection; it is recomputed on every fetch and never
// cached.
func Correlate(flat map[string]any, doc *definition.Document, logger *slog.Logger) map[string]any {
	nested := make(map[string]any)
	for name, value := range flat {
		spec, ok := doc.Outputs[name]
		if !ok || len(spec.ConstructPath) == 0 {
			if logger != nil {
				logger.Debug("output has no declared construct path, dropped from nested tree", "output", name)
			}
			continue
		}

		node := nested
		for _, id := range spec.ConstructPath {
			child, ok := node[id].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[id] = child
			}
			node = child
		}
		node[name] = value
	}
	return nested
}
