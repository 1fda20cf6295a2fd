package task

import (
	"go.uber.org/fx"
)

var Module = fx.Module("task.store",
	fx.Provide(
		NewStore,
	),
)
