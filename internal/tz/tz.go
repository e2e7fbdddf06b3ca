// Package tz converts between civil times in an IANA zone and UTC instants.
//
// Civil times that fall in a daylight-saving gap resolve to the transition
// instant that ends the gap (the first valid instant after it). Civil times
// that occur twice in a fall-back overlap resolve to the earlier instant.
package tz

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"cadence/internal/civil"
)

// UnknownZoneError reports a zone id the tz database does not know.
type UnknownZoneError struct {
	Zone string
	Err  error
}

func (e UnknownZoneError) Error() string {
	return fmt.Sprintf("unknown time zone %q", e.Zone)
}

func (e UnknownZoneError) Unwrap() error { return e.Err }

// UnresolvableCivilTimeError reports a civil time with no instant in the zone.
type UnresolvableCivilTimeError struct {
	Zone  string
	Local civil.DateTime
}

func (e UnresolvableCivilTimeError) Error() string {
	return fmt.Sprintf("civil time %s does not exist in %s", e.Local, e.Zone)
}

// Resolver caches loaded locations. The zero value is ready to use.
type Resolver struct {
	locations sync.Map
}

// Location loads and caches the named zone.
func (r *Resolver) Location(zone string) (*time.Location, error) {
	if zone == "" {
		return nil, UnknownZoneError{Zone: zone}
	}
	if loc, ok := r.locations.Load(zone); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, UnknownZoneError{Zone: zone, Err: err}
	}
	actual, _ := r.locations.LoadOrStore(zone, loc)
	return actual.(*time.Location), nil
}

// Validate returns an error when zone cannot be loaded.
func (r *Resolver) Validate(zone string) error {
	_, err := r.Location(zone)
	return err
}

func (r *Resolver) LocalToInstant(zone string, local civil.DateTime) (time.Time, error) {
	loc, err := r.Location(zone)
	if err != nil {
		return time.Time{}, err
	}
	t, ok := resolve(loc, local)
	if !ok {
		return time.Time{}, UnresolvableCivilTimeError{Zone: zone, Local: local}
	}
	return t, nil
}

func (r *Resolver) InstantToLocal(zone string, instant time.Time) (civil.DateTime, error) {
	loc, err := r.Location(zone)
	if err != nil {
		return civil.DateTime{}, err
	}
	return civil.DateTimeOf(instant.In(loc)), nil
}

// StartOfDay returns civil midnight of date.
func (r *Resolver) StartOfDay(zone string, date civil.Date) (civil.DateTime, error) {
	if err := r.Validate(zone); err != nil {
		return civil.DateTime{}, err
	}
	return civil.DateTime{Date: date}, nil
}

// Today returns the civil date of now in zone.
func (r *Resolver) Today(zone string, now time.Time) (civil.Date, error) {
	local, err := r.InstantToLocal(zone, now)
	if err != nil {
		return civil.Date{}, err
	}
	return local.Date, nil
}

// Rebase keeps the civil date anchor has in zone and moves it to clock.
func (r *Resolver) Rebase(zone string, anchor time.Time, clock civil.Time) (time.Time, error) {
	local, err := r.InstantToLocal(zone, anchor)
	if err != nil {
		return time.Time{}, err
	}
	return r.LocalToInstant(zone, civil.DateTime{Date: local.Date, Time: clock})
}

// resolve finds the instant for local in loc. Offsets in effect a day either
// side of the naive instant cover every real transition.
func resolve(loc *time.Location, local civil.DateTime) (time.Time, bool) {
	naive := local.In(time.UTC)
	var (
		found      bool
		best       time.Time
		candidates []time.Time
	)
	for _, probe := range []time.Time{naive.Add(-24 * time.Hour), naive, naive.Add(24 * time.Hour)} {
		_, offset := probe.In(loc).Zone()
		c := naive.Add(-time.Duration(offset) * time.Second)
		candidates = append(candidates, c)
		if civil.DateTimeOf(c.In(loc)) != local {
			continue
		}
		if !found || c.Before(best) {
			best = c
			found = true
		}
	}
	if found {
		return best.UTC(), true
	}
	// Gap: the latest candidate sits past the transition; its zone period
	// starts at the transition instant.
	latest := candidates[0]
	for _, c := range candidates[1:] {
		if c.After(latest) {
			latest = c
		}
	}
	start, _ := latest.In(loc).ZoneBounds()
	if start.IsZero() || civil.DateTimeOf(start.In(loc)).Before(local) {
		return time.Time{}, false
	}
	return start.UTC(), true
}
