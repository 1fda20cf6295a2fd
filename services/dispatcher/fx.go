package dispatcher

import (
	"context"
	"time"

	"github.com/rtavytran/fusesell/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("dispatcher.service",
	fx.Provide(
		fx.Annotate(NewLogSender, fx.As(new(EmailSender))),
		NewService,
	),
	fx.Invoke(registerHandlers),
	fx.Invoke(runSweeper),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.OutreachEmailSend, svc.HandleEmailSend)
	mux.HandleFunc(taskname.FollowUpEmailSend, svc.HandleEmailSend)
	mux.HandleFunc(taskname.FollowUpReminderDue, svc.HandleReminderDue)
	mux.HandleFunc(taskname.EventSweep, svc.HandleSweep)
}

// runSweeper polls for due events on a fixed interval for the lifetime
// of the process.
func runSweeper(lc fx.Lifecycle, svc *Service) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(svc.interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := svc.Sweep(ctx); err != nil {
							zap.L().Error("event sweep failed", zap.Error(err))
						}
					}
				}
			}()
			zap.L().Info("event sweeper started", zap.Duration("interval", svc.interval))
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
