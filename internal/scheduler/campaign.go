package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailtide/mailtide/internal/queue"
	"github.com/mailtide/mailtide/internal/store"
)

// CampaignScheduler enqueues sequence sends for running campaigns.
type CampaignScheduler struct {
	campaigns *store.CampaignRepository
	leads     *store.LeadRepository
	queue     queue.Store
	logger    *slog.Logger
	now       func() time.Time
}

func NewCampaignScheduler(campaigns *store.CampaignRepository, leads *store.LeadRepository, q queue.Store, logger *slog.Logger) *CampaignScheduler {
	return &CampaignScheduler{
		campaigns: campaigns,
		leads:     leads,
		queue:     q,
		logger:    logger.With("component", "campaign_scheduler"),
		now:       time.Now,
	}
}

// RunOnce performs a scheduling pass over all running campaigns. A failing
// campaign is logged and skipped.
func (s *CampaignScheduler) RunOnce(ctx context.Context) error {
	campaigns, err := s.campaigns.ListByStatus(ctx, store.CampaignRunning)
	if err != nil {
		return fmt.Errorf("failed to list running campaigns: %w", err)
	}

	for _, c := range campaigns {
		if err := s.RunCampaign(ctx, c); err != nil {
			s.logger.Error("campaign scheduling failed",
				"campaign_id", c.ID,
				"name", c.Name,
				"error", err)
		}
	}
	return nil
}

// Trigger runs an immediate scheduling pass for one campaign, used by the
// HTTP trigger endpoint. Only running campaigns are scheduled.
func (s *CampaignScheduler) Trigger(ctx context.Context, campaignID string) error {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("campaign %s not found", campaignID)
	}
	if c.Status != store.CampaignRunning {
		return fmt.Errorf("campaign %s is %s, not running", campaignID, c.Status)
	}
	return s.RunCampaign(ctx, c)
}

// RunCampaign schedules one campaign's due sends, stopping at the daily
// quota.
func (s *CampaignScheduler) RunCampaign(ctx context.Context, c *store.Campaign) error {
	now := s.now()

	ok, err := EligibleAt(c.Schedule, now)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	budget, err := s.dailyBudget(ctx, c, now)
	if err != nil {
		return err
	}
	if budget <= 0 {
		return nil
	}

	steps, err := s.campaigns.Steps(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		s.logger.Debug("campaign has no sequence steps", "campaign_id", c.ID)
		return nil
	}

	leads, err := s.leads.ListActive(ctx, c.ID)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, lead := range leads {
		if budget <= 0 {
			break
		}
		if c.StopOnReply && lead.HasReplied {
			continue
		}
		if lead.CurrentStep >= len(steps) {
			continue
		}
		step := steps[lead.CurrentStep]

		// Follow-up steps wait out the step's configured gap since the
		// previous send.
		if lead.CurrentStep > 0 && step.WaitDays > 0 {
			last, err := s.leads.LastSentAt(ctx, lead.ID)
			if err != nil {
				return err
			}
			if last != nil && now.Before(last.AddDate(0, 0, step.WaitDays)) {
				continue
			}
		}

		from, err := s.campaigns.NextFromEmail(ctx, c.ID)
		if err != nil {
			return err
		}

		html := step.HTMLBody
		if c.SendTextOnly || step.TextOnly {
			html = ""
		}

		job := &queue.Job{
			ID:        fmt.Sprintf("campaign/%s/step-%d", lead.ID, step.Position),
			OwnerKind: queue.OwnerCampaign,
			OwnerID:   c.ID,
			LeadID:    lead.ID,
			StepID:    step.ID,
			From:      from,
			To:        lead.Email,
			Subject:   step.Subject,
			TextBody:  step.TextBody,
			HTMLBody:  html,
		}

		err = s.queue.Enqueue(ctx, job, 0)
		if errors.Is(err, queue.ErrDuplicateJob) {
			// Already scheduled; counted in the outstanding quota.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to enqueue campaign job: %w", err)
		}
		enqueued++
		budget--
	}

	if enqueued > 0 {
		s.logger.Info("scheduled campaign sends",
			"campaign_id", c.ID,
			"name", c.Name,
			"count", enqueued)
	}
	return nil
}

// dailyBudget returns how many more sends the campaign may schedule today.
// The quota day runs in the campaign's timezone; completed sends come from
// the activity log and outstanding jobs from the queue's day counters.
func (s *CampaignScheduler) dailyBudget(ctx context.Context, c *store.Campaign, now time.Time) (int, error) {
	if c.DailyLimit <= 0 {
		return int(^uint(0) >> 1), nil
	}

	loc := time.UTC
	if c.Schedule != nil && c.Schedule.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(c.Schedule.Timezone)
		if err != nil {
			return 0, fmt.Errorf("invalid campaign timezone: %w", err)
		}
	}
	dayStart, dayEnd := dayBounds(now, loc)

	sent, err := s.leads.CountActivityBetween(ctx, c.ID, dayStart, dayEnd)
	if err != nil {
		return 0, err
	}

	// A local day overlaps at most two UTC day counters.
	scheduled := 0
	seen := map[string]bool{}
	for _, t := range []time.Time{dayStart, dayEnd.Add(-time.Nanosecond)} {
		day := queue.DayKey(t)
		if seen[day] {
			continue
		}
		seen[day] = true
		n, err := s.queue.ScheduledOn(ctx, queue.OwnerCampaign, c.ID, day)
		if err != nil {
			return 0, err
		}
		scheduled += n
	}

	return c.DailyLimit - sent - scheduled, nil
}
