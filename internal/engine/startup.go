package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the backend is reachable and that the judge and
// embedding models are present, pulling any that are missing. Progress is
// written to w.
func EnsureReady(ctx context.Context, e Engine, judgeModel, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("inference backend is not running; start Ollama and retry")
	}

	var models []string
	for _, m := range []string{judgeModel, embedModel} {
		if m != "" && (len(models) == 0 || models[0] != m) {
			models = append(models, m)
		}
	}

	for _, model := range models {
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
				return
			}
			fmt.Fprintf(w, "  %s\n", p.Status)
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
