// Package store is the document layer of quarry: canonical entity shapes,
// their deterministic identifiers, and versioned SQLite persistence with the
// indexed queries the lifecycle engine needs. Every mutation of a versioned
// document goes through a conditional update so that racing cluster nodes
// resolve to exactly one winner.
package store

import "time"

// TriggerState enumerates a trigger's lifecycle states.
type TriggerState string

const (
	StateWaiting          TriggerState = "Waiting"
	StateAcquired         TriggerState = "Acquired"
	StateExecuting        TriggerState = "Executing"
	StateBlocked          TriggerState = "Blocked"
	StatePausedAndBlocked TriggerState = "PausedAndBlocked"
	StatePaused           TriggerState = "Paused"
	StateComplete         TriggerState = "Complete"
	StateError            TriggerState = "Error"
)

// MisfirePolicy selects how an overdue Waiting trigger is corrected before
// acquisition.
type MisfirePolicy string

const (
	// MisfireIgnore fires the trigger immediately with its stale fire time
	// unchanged.
	MisfireIgnore MisfirePolicy = "ignore"
	// MisfireFireNow reschedules the trigger to the current instant.
	MisfireFireNow MisfirePolicy = "fire-now"
	// MisfireSkipToNext advances the trigger to its next valid occurrence.
	MisfireSkipToNext MisfirePolicy = "skip-next"
)

// Job is a durable unit-of-work definition. The body is an opaque,
// type-tagged payload; quarry never interprets it.
type Job struct {
	Scheduler          string
	Group              string
	Name               string
	Description        string
	Durable            bool
	RequestsRecovery   bool
	DisallowConcurrent bool
	PayloadType        string
	Payload            []byte
	Version            int64
}

func (j *Job) Key() Key    { return Key{Group: j.Group, Name: j.Name} }
func (j *Job) ID() string  { return JobID(j.Scheduler, j.Key()) }

// Trigger is a scheduled firing rule bound to a job. NextFireUTC is
// authoritative for ordering; State plus FireToken together encode whether
// the trigger is eligible for acquisition.
type Trigger struct {
	Scheduler      string
	Group          string
	Name           string
	JobID          string
	CalendarName   string
	State          TriggerState
	Priority       int
	MisfirePolicy  MisfirePolicy
	NextFireUTC    *time.Time
	PrevFireUTC    *time.Time
	FireToken      string
	HolderInstance string
	PayloadType    string
	Payload        []byte
	Data           []byte
	Version        int64
}

func (t *Trigger) Key() Key   { return Key{Group: t.Group, Name: t.Name} }
func (t *Trigger) ID() string { return TriggerID(t.Scheduler, t.Key()) }

// Calendar is an opaque exclusion-calendar payload referenced by triggers.
type Calendar struct {
	Scheduler string
	Name      string
	Payload   []byte
	Version   int64
}

func (c *Calendar) ID() string { return CalendarID(c.Scheduler, c.Name) }

// BlockedJob marks a job as currently executing somewhere in the cluster.
// Instance records which node holds the block, so a peer can release it if
// that node dies.
type BlockedJob struct {
	Scheduler string
	JobID     string
	Instance  string
}

// CheckInState enumerates a cluster member's declared lifecycle state.
type CheckInState string

const (
	CheckInUnknown  CheckInState = "unknown"
	CheckInStarted  CheckInState = "started"
	CheckInPaused   CheckInState = "paused"
	CheckInResumed  CheckInState = "resumed"
	CheckInShutdown CheckInState = "shutdown"
)

// CheckIn is one cluster member's liveness record.
type CheckIn struct {
	Scheduler   string
	Instance    string
	LastCheckIn time.Time
	Interval    time.Duration
	State       CheckInState
	Version     int64
}

func (c *CheckIn) ID() string { return CheckInID(c.Scheduler, c.Instance) }

// utcMillis converts an optional fire time to the integer column
// representation. Nil stays NULL.
func utcMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
