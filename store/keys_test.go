package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentIDs(t *testing.T) {
	key := NewKey("etl", "nightly")

	assert.Equal(t, "JPROD/etl/nightly", JobID("PROD", key))
	assert.Equal(t, "TPROD/etl/nightly", TriggerID("PROD", key))
	assert.Equal(t, "PROD/holidays", CalendarID("PROD", "holidays"))
	assert.Equal(t, "PROD/JPROD/etl/nightly", BlockedJobID("PROD", JobID("PROD", key)))
	assert.Equal(t, "PTGPROD#etl", PausedGroupID("PROD", PausedKindTrigger, "etl"))
	assert.Equal(t, "PJGPROD#etl", PausedGroupID("PROD", PausedKindJob, "etl"))
	assert.Equal(t, "PROD/node-1", CheckInID("PROD", "node-1"))
}

func TestNewKeyDefaultsGroup(t *testing.T) {
	key := NewKey("", "solo")
	assert.Equal(t, DefaultGroup, key.Group)
	assert.Equal(t, "DEFAULT/solo", key.String())
}

func TestIDsDisambiguateSchedulers(t *testing.T) {
	key := NewKey("g", "n")
	assert.NotEqual(t, JobID("A", key), JobID("B", key))
	assert.NotEqual(t, JobID("A", key), TriggerID("A", key))
}
