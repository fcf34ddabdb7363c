package control

import (
	"context"

	"github.com/google/uuid"

	apperrors "github.com/legionhq/legiond/internal/common/errors"
	"github.com/legionhq/legiond/internal/scheduler"
	"github.com/legionhq/legiond/internal/store"
)

// CreateSchedule creates and arms a cron schedule.
func (s *Service) CreateSchedule(ctx context.Context, args CreateScheduleArgs) (*store.Schedule, error) {
	proj, err := s.store.GetProject(args.LegionID)
	if err != nil {
		return nil, err
	}
	if !proj.Legion {
		return nil, apperrors.InvalidState("schedules require a legion project")
	}
	if _, err := s.store.GetSession(args.TargetID); err != nil {
		return nil, err
	}
	if err := scheduler.ValidateCron(args.Cron); err != nil {
		return nil, err
	}
	if args.Prompt == "" {
		return nil, apperrors.BadRequest("schedule prompt is required")
	}
	if args.TimeoutSeconds <= 0 {
		args.TimeoutSeconds = 600
	}

	sch := &store.Schedule{
		ID:             uuid.New().String(),
		LegionID:       args.LegionID,
		TargetID:       args.TargetID,
		Cron:           args.Cron,
		Prompt:         args.Prompt,
		ResetSession:   args.ResetSession,
		StartIfStopped: args.StartIfStopped,
		MaxRetries:     args.MaxRetries,
		TimeoutSeconds: args.TimeoutSeconds,
		Status:         store.ScheduleActive,
	}
	if err := s.store.CreateSchedule(sch); err != nil {
		return nil, err
	}
	s.sched.Refresh(sch.ID)
	return s.store.GetSchedule(sch.ID)
}

// GetSchedule returns a schedule by id.
func (s *Service) GetSchedule(ctx context.Context, id string) (*store.Schedule, error) {
	return s.store.GetSchedule(id)
}

// ListSchedules lists a legion's schedules.
func (s *Service) ListSchedules(ctx context.Context, legionID string) []*store.Schedule {
	return s.store.ListSchedules(legionID)
}

// PatchSchedule applies partial updates and re-arms the schedule.
func (s *Service) PatchSchedule(ctx context.Context, id string, args PatchScheduleArgs) (*store.Schedule, error) {
	if args.Cron != nil {
		if err := scheduler.ValidateCron(*args.Cron); err != nil {
			return nil, err
		}
	}
	sch, err := s.store.MutateSchedule(id, func(sc *store.Schedule) error {
		if sc.Status == store.ScheduleCancelled {
			return apperrors.InvalidState("cannot patch a cancelled schedule")
		}
		if args.Cron != nil {
			sc.Cron = *args.Cron
		}
		if args.Prompt != nil {
			if *args.Prompt == "" {
				return apperrors.BadRequest("schedule prompt cannot be empty")
			}
			sc.Prompt = *args.Prompt
		}
		if args.ResetSession != nil {
			sc.ResetSession = *args.ResetSession
		}
		if args.StartIfStopped != nil {
			sc.StartIfStopped = *args.StartIfStopped
		}
		if args.MaxRetries != nil {
			sc.MaxRetries = *args.MaxRetries
		}
		if args.TimeoutSeconds != nil {
			sc.TimeoutSeconds = *args.TimeoutSeconds
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.sched.Refresh(id)
	return sch, nil
}

// PauseSchedule suspends firings until resumed.
func (s *Service) PauseSchedule(ctx context.Context, id string) error {
	return s.setScheduleStatus(id, store.SchedulePaused)
}

// ResumeSchedule reactivates a paused schedule.
func (s *Service) ResumeSchedule(ctx context.Context, id string) error {
	return s.setScheduleStatus(id, store.ScheduleActive)
}

// CancelSchedule permanently stops a schedule; a cancelled schedule never
// fires again.
func (s *Service) CancelSchedule(ctx context.Context, id string) error {
	return s.setScheduleStatus(id, store.ScheduleCancelled)
}

func (s *Service) setScheduleStatus(id string, status store.ScheduleStatus) error {
	_, err := s.store.MutateSchedule(id, func(sc *store.Schedule) error {
		if sc.Status == store.ScheduleCancelled && status != store.ScheduleCancelled {
			return apperrors.InvalidState("cancelled schedules cannot be reactivated")
		}
		sc.Status = status
		if status != store.ScheduleActive {
			sc.NextRunAt = nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.sched.Refresh(id)
	return nil
}

// DeleteSchedule removes a schedule; an active one is cancelled first.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	sch, err := s.store.GetSchedule(id)
	if err != nil {
		return err
	}
	if sch.Status != store.ScheduleCancelled {
		if err := s.CancelSchedule(ctx, id); err != nil {
			return err
		}
	}
	if err := s.store.DeleteSchedule(id); err != nil {
		return err
	}
	s.sched.Refresh(id)
	return nil
}

// ListScheduleHistory returns the bounded execution history.
func (s *Service) ListScheduleHistory(ctx context.Context, id string) ([]store.ScheduleRun, error) {
	sch, err := s.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	return sch.History, nil
}
