package stages

import (
	"github.com/rtavytran/fusesell/services/orchestrator"

	"go.uber.org/fx"
)

func asHandler(constructor any) any {
	return fx.Annotate(constructor,
		fx.As(new(orchestrator.Handler)),
		fx.ResultTags(`group:"stage_handlers"`),
	)
}

var Module = fx.Module("stages",
	fx.Provide(
		fx.Annotate(NewLocal, fx.As(new(ContentService))),
		asHandler(NewAcquisition),
		asHandler(NewPreparation),
		asHandler(NewScoring),
		asHandler(NewOutreach),
		asHandler(NewFollowUp),
	),
)
