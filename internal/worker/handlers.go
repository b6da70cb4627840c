package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"agentkyc/internal/domain"
	"agentkyc/internal/engine"
)

// RegisterEngineHandlers wires the built-in job types to the engine.
func RegisterEngineHandlers(p *Processor, e engine.Engine) {
	p.RegisterHandler(domain.JobTypeAutoReview, func(ctx context.Context, job domain.Job) error {
		pass, err := e.RunAutoReviewPass(ctx)
		if err != nil {
			return err
		}
		p.log.Info("auto-review job",
			zap.String("job_id", job.ID),
			zap.Bool("skipped", pass.Skipped),
			zap.String("skip_reason", pass.SkipReason),
			zap.Int("processed", pass.Processed),
		)
		return nil
	})
	p.RegisterHandler(domain.JobTypeSendReminder, func(ctx context.Context, job domain.Job) error {
		id, _ := job.Payload["application_id"].(string)
		if id == "" {
			return fmt.Errorf("send_reminder payload missing application_id")
		}
		sent, err := e.SendReminder(ctx, id)
		if err != nil {
			return err
		}
		if !sent {
			p.log.Info("reminder not needed", zap.String("application_id", id))
		}
		return nil
	})
}
