package engine

import "github.com/castellan/quarry/store"

// Step identifies a point in the trigger lifecycle an observer can watch.
type Step string

const (
	StepAcquiring  Step = "acquiring"
	StepAcquired   Step = "acquired"
	StepFiring     Step = "firing"
	StepCompleting Step = "completing"
	StepReleasing  Step = "releasing"
)

// StepObserver receives lifecycle step events. Implementations must be fast
// and must not mutate the trigger; the hook exists so concurrency tests can
// interleave two nodes deterministically.
type StepObserver interface {
	OnStep(step Step, key store.Key)
}

type nopObserver struct{}

func (nopObserver) OnStep(Step, store.Key) {}
