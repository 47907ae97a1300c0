package processor

import (
	"maps"
	"strings"

	"github.com/Keyring-Network/railgraph/internal/evidence"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/store"
)

func transform(cfg graph.TransformConfig, input any) Outcome {
	switch cfg.Mode {
	case graph.TransformPick:
		if strings.TrimSpace(cfg.PickPath) == "" {
			return failed(provider.CodeInternal, "pick transform needs a path")
		}
		value, ok := evidence.GetByPath(input, cfg.PickPath)
		if !ok {
			return failed(provider.CodeInternal, "pick path %q not found in input", cfg.PickPath)
		}
		return Outcome{Status: store.StatusDone, Output: value, Message: "picked " + cfg.PickPath}
	case graph.TransformMerge:
		if cfg.Merge == nil {
			return failed(provider.CodeInternal, "merge transform needs an object to merge")
		}
		base, ok := input.(map[string]any)
		if !ok {
			return Outcome{
				Status:  store.StatusDone,
				Output:  map[string]any{"input": input, "merge": cfg.Merge},
				Message: "merged beside non-object input",
			}
		}
		merged := make(map[string]any, len(base)+len(cfg.Merge))
		maps.Copy(merged, base)
		maps.Copy(merged, cfg.Merge)
		return Outcome{Status: store.StatusDone, Output: merged, Message: "merged object"}
	case graph.TransformTemplate:
		if strings.TrimSpace(cfg.Template) == "" {
			return failed(provider.CodeInternal, "template transform needs a template")
		}
		text := strings.ReplaceAll(cfg.Template, "{{input}}", evidence.Stringify(input))
		return Outcome{Status: store.StatusDone, Output: map[string]any{"text": text}, Message: "rendered template"}
	default:
		return failed(provider.CodeInternal, "unknown transform mode %q", cfg.Mode)
	}
}
