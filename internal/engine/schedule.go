package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"agentkyc/internal/db"
	"agentkyc/internal/domain"
)

type TickResult struct {
	AutoReviewJobID string   `json:"auto_review_job_id"`
	ReminderJobIDs  []string `json:"reminder_job_ids"`
	Reminders       int      `json:"reminders"`
	Requeued        int      `json:"requeued"`
}

// ScheduleTick is the recurring trigger: release stale leases, enqueue one auto_review job
// and one send_reminder job per application stuck in test_sent past the reminder threshold.
func (e Engine) ScheduleTick(ctx context.Context) (TickResult, error) {
	res := TickResult{ReminderJobIDs: []string{}}
	automation := e.cfg().Automation
	q := e.Queue()

	requeued, err := q.RequeueStale(ctx, automation.JobLeaseTimeout)
	if err != nil {
		return res, fmt.Errorf("requeue stale jobs: %w", err)
	}
	res.Requeued = requeued

	id, err := q.Enqueue(ctx, domain.JobTypeAutoReview, map[string]any{}, nil)
	if err != nil {
		return res, err
	}
	res.AutoReviewJobID = id

	cutoff := db.FormatTime(e.now().Add(-automation.ReminderAfter))
	stalled, err := e.Repo.ListStalledTests(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list stalled tests: %w", err)
	}
	for _, app := range stalled {
		id, err := q.Enqueue(ctx, domain.JobTypeSendReminder, map[string]any{
			"application_id": app.ID,
			"email":          app.OwnerEmail,
			"agent_name":     app.AgentName,
		}, nil)
		if err != nil {
			return res, err
		}
		res.ReminderJobIDs = append(res.ReminderJobIDs, id)
	}
	res.Reminders = len(res.ReminderJobIDs)
	e.log().Info("schedule tick",
		zap.String("auto_review_job_id", res.AutoReviewJobID),
		zap.Int("reminders", res.Reminders),
		zap.Int("requeued", res.Requeued),
	)
	return res, nil
}
