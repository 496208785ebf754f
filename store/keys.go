package store

import "fmt"

// Key identifies a job or trigger within its scheduler by group and name.
type Key struct {
	Group string
	Name  string
}

func (k Key) String() string {
	return k.Group + "/" + k.Name
}

// NewKey builds a Key. An empty group maps to DefaultGroup.
func NewKey(group, name string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Group: group, Name: name}
}

// DefaultGroup is used when a caller does not name a group.
const DefaultGroup = "DEFAULT"

// RecoveryGroup holds the synthetic one-shot triggers created when an
// interrupted execution is re-fired after a node failure.
const RecoveryGroup = "RECOVERY"

// Deterministic document identifiers. A type prefix plus the scheduler name
// lets multiple logical schedulers share one table namespace without
// collision.
func JobID(scheduler string, key Key) string {
	return fmt.Sprintf("J%s/%s/%s", scheduler, key.Group, key.Name)
}

func TriggerID(scheduler string, key Key) string {
	return fmt.Sprintf("T%s/%s/%s", scheduler, key.Group, key.Name)
}

func CalendarID(scheduler, name string) string {
	return scheduler + "/" + name
}

func BlockedJobID(scheduler, jobID string) string {
	return scheduler + "/" + jobID
}

// Paused-group marker kinds.
const (
	PausedKindTrigger = "trigger"
	PausedKindJob     = "job"
)

func PausedGroupID(scheduler, kind, group string) string {
	prefix := "PTG"
	if kind == PausedKindJob {
		prefix = "PJG"
	}
	return fmt.Sprintf("%s%s#%s", prefix, scheduler, group)
}

func CheckInID(scheduler, instance string) string {
	return scheduler + "/" + instance
}
