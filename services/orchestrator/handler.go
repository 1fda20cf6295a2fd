package orchestrator

import (
	"context"

	"github.com/rtavytran/fusesell/services/task"
)

// Handler executes one stage of the pipeline. Implementations wrap the
// external collaborators (scraping, LLM calls, scoring services); from
// the orchestrator's viewpoint a handler is a pure function of the
// task and its prior stage outputs.
//
// A returned error marks the operation failed and is classified by the
// stage's stop policy. The returned map becomes the operation's output
// snapshot.
type Handler interface {
	Stage() string
	Run(ctx context.Context, t *task.Task, input map[string]any) (map[string]any, error)
}

func buildRegistry(handlers []Handler) map[string]Handler {
	registry := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		registry[h.Stage()] = h
	}
	return registry
}
