package storage

import (
	"context"
	"errors"
	"time"

	"cadence/internal/engine/pattern"
	"cadence/internal/engine/recurrence"
	"cadence/internal/engine/tz"
	"cadence/internal/engine/window"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Challenge is a time-boxed group challenge window.
//
// StartDate/EndDate are calendar dates with no time component; nil means
// open-ended on that side. Status is mutated only through
// UpdateChallengeStatus (guarded) or an explicit external cancellation.
type Challenge struct {
	ID        int64
	GroupID   int64
	Title     string
	StartDate *tz.Date
	EndDate   *tz.Date
	Status    window.Status
}

// Goal is a recurring per-user goal.
type Goal struct {
	ID       int64
	UserID   int64
	Title    string
	Timezone string
	// Mask is nil for every-day goals.
	Mask *recurrence.Mask
	// PreferredHour overrides the inferred reminder hour when set.
	PreferredHour *int
}

// Push statuses. Each queue row tracks one recipient independently.
const (
	PushPending = "pending"
	PushSent    = "sent"
	PushFailed  = "failed"
)

// Push kinds.
const (
	PushChallengeCompleted = "challenge_completed"
	PushWeeklyRecap        = "weekly_recap"
	PushGoalReminder       = "goal_reminder"
)

// Push is one row of the per-recipient delivery queue.
//
// (Kind, UserID, ResourceID) is unique, so re-enqueueing the same
// logical push is a no-op rather than a duplicate.
type Push struct {
	ID         int64
	Kind       string
	UserID     int64
	ResourceID string
	Title      string
	Body       string
	FireAt     time.Time
	Status     string
	Attempts   int
	LastError  string
}

// JobRun records one execution of a scheduled job.
// Keep it compact and schema-stable.
type JobRun struct {
	RunID     string
	Job       string
	At        time.Time
	Activated int
	Completed int
	Claimed   int
	Queued    int
	Errors    int
	TookMS    int64
	Error     string
}

// Store is the persistence API used by the jobs, dedup and push layers.
type Store interface {
	// TryClaim records the claim for key if no claim exists yet.
	// The first caller gets true; every later caller gets false.
	// Claim rows persist indefinitely.
	TryClaim(ctx context.Context, key string, at time.Time) (claimed bool, err error)
	GetClaim(ctx context.Context, key string) (at time.Time, ok bool, err error)

	CreateChallenge(ctx context.Context, c Challenge) (int64, error)
	AddChallengeMember(ctx context.Context, challengeID, userID int64) error
	ChallengeMemberIDs(ctx context.Context, challengeID int64) ([]int64, error)
	ListChallengesByStatus(ctx context.Context, statuses ...window.Status) ([]Challenge, error)
	GetChallenge(ctx context.Context, id int64) (Challenge, bool, error)
	// UpdateChallengeStatus flips status only when the row still holds
	// from; losing the guard race reports (false, nil), not an error.
	UpdateChallengeStatus(ctx context.Context, id int64, from, to window.Status) (bool, error)

	ListGroupIDs(ctx context.Context) ([]int64, error)
	GroupMemberIDs(ctx context.Context, groupID int64) ([]int64, error)

	CreateGoal(ctx context.Context, g Goal) (int64, error)
	ListGoals(ctx context.Context) ([]Goal, error)
	GetGoal(ctx context.Context, id int64) (Goal, bool, error)
	AppendGoalLog(ctx context.Context, goalID int64, loggedAt time.Time) error
	GoalLogTimes(ctx context.Context, goalID int64) ([]time.Time, error)
	// PutPattern replaces the stored pattern; nil clears it
	// (insufficient data is a distinct state, not a zero row).
	PutPattern(ctx context.Context, goalID int64, p *pattern.Pattern) error
	GetPattern(ctx context.Context, goalID int64) (*pattern.Pattern, bool, error)

	// EnqueuePush inserts a pending row; an existing
	// (kind, user, resource) row makes it a no-op returning false.
	EnqueuePush(ctx context.Context, p Push) (bool, error)
	DuePushes(ctx context.Context, now time.Time, limit int) ([]Push, error)
	MarkPushSent(ctx context.Context, id int64, at time.Time) error
	// MarkPushFailed bumps attempts and either reschedules the row at
	// retryAt or, when final, parks it as failed.
	MarkPushFailed(ctx context.Context, id int64, errMsg string, retryAt time.Time, final bool) error

	AppendJobRun(ctx context.Context, e JobRun) error

	Close() error
}
