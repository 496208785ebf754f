package quarry

import (
	"context"
	"time"

	"github.com/castellan/quarry/errors"
	"github.com/castellan/quarry/store"
)

// StoreCalendar persists an exclusion calendar. With updateTriggers set,
// every trigger referencing the calendar has its next fire time recomputed
// against the new exclusions; a trigger whose schedule is exhausted by the
// change is completed.
func (s *Scheduler) StoreCalendar(ctx context.Context, cal *store.Calendar, replace, updateTriggers bool) error {
	cal.Scheduler = s.schedulerName()

	if !replace {
		if _, err := s.calendars.Get(ctx, s.schedulerName(), cal.Name); err == nil {
			return errors.Mark(errors.Newf("calendar already exists: %s", cal.Name), store.ErrIntegrity)
		} else if !store.IsNotFound(err) {
			return err
		}
	}

	if err := s.calendars.Put(ctx, cal); err != nil {
		return err
	}
	if !updateTriggers {
		return nil
	}

	dependents, err := s.triggers.ListByCalendar(ctx, s.schedulerName(), cal.Name)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, trigger := range dependents {
		if trigger.State != store.StateWaiting || trigger.NextFireUTC == nil {
			continue
		}

		after := now
		if trigger.PrevFireUTC != nil {
			after = *trigger.PrevFireUTC
		}
		next, err := s.computer.NextFireTime(ctx, trigger, cal, after)
		if err != nil {
			return errors.Wrapf(err, "recompute trigger %s against calendar %s", trigger.ID(), cal.Name)
		}

		if next == nil {
			trigger.State = store.StateComplete
			trigger.NextFireUTC = nil
		} else if next.Equal(*trigger.NextFireUTC) {
			continue
		} else {
			trigger.NextFireUTC = next
		}
		// A peer touching the trigger mid-recompute wins; it will observe
		// the new calendar on its own next transition.
		if err := s.triggers.Update(ctx, trigger); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// RetrieveCalendar loads a calendar by name.
func (s *Scheduler) RetrieveCalendar(ctx context.Context, name string) (*store.Calendar, error) {
	return s.calendars.Get(ctx, s.schedulerName(), name)
}

// RemoveCalendar deletes a calendar. Deletion is refused while any trigger
// still references it.
func (s *Scheduler) RemoveCalendar(ctx context.Context, name string) error {
	dependents, err := s.triggers.ListByCalendar(ctx, s.schedulerName(), name)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return errors.Mark(
			errors.Newf("calendar %s is referenced by %d trigger(s)", name, len(dependents)),
			store.ErrIntegrity,
		)
	}
	return s.calendars.Delete(ctx, s.schedulerName(), name)
}

// CalendarNames lists the stored calendar names.
func (s *Scheduler) CalendarNames(ctx context.Context) ([]string, error) {
	return s.calendars.Names(ctx, s.schedulerName())
}
