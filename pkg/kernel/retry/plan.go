package retry

import "time"

// Schedule is the retry timeline for one plan step as it would run from
// CreatedAt with every attempt failing.
type Schedule struct {
	PlanID      string          `json:"plan_id"`
	StepName    string          `json:"step_name"`
	PolicyID    string          `json:"policy_id"`
	Attempts    []ScheduledSlot `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ScheduledSlot struct {
	AttemptIndex int       `json:"attempt_index"`
	DelayMs      int64     `json:"delay_ms"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// GenerateSchedule replays NewBackoff from now. Attempt 0 is immediate.
func GenerateSchedule(params BackoffParams, policy BackoffPolicy, now time.Time) *Schedule {
	s := &Schedule{
		PlanID:      params.PlanID,
		StepName:    params.StepName,
		PolicyID:    policy.PolicyID,
		Attempts:    []ScheduledSlot{{ScheduledAt: now}},
		MaxAttempts: policy.MaxAttempts,
		CreatedAt:   now,
	}
	b := NewBackoff(params, policy)
	for at, i := now, 1; i < policy.MaxAttempts; i++ {
		delay := b.NextBackOff()
		at = at.Add(delay)
		s.Attempts = append(s.Attempts, ScheduledSlot{AttemptIndex: i, DelayMs: delay.Milliseconds(), ScheduledAt: at})
	}
	return s
}
