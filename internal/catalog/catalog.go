package catalog

import (
	"fmt"
	"sort"
	"time"
)

// Catalog is the lookup contract consumed by the subscription projector.
// All methods are pure, date-parameterized reads over immutable versions.
type Catalog interface {
	FindPlan(name string, requestedDate, changeDate time.Time) (*Plan, error)
	FindPhase(name string, requestedDate, changeDate time.Time) (*Plan, *PlanPhase, error)
	VersionForDate(date time.Time) (*Version, error)
	// NextPlanVersion returns the same plan in the next catalog version
	// carrying a cutover date for existing subscriptions, if any.
	NextPlanVersion(plan *Plan, after time.Time) (*Plan, *Version, bool)
}

// VersionedCatalog holds catalog versions sorted by effective date.
type VersionedCatalog struct {
	versions []Version
}

// NewVersionedCatalog builds a catalog; versions are sorted internally.
func NewVersionedCatalog(versions ...Version) (*VersionedCatalog, error) {
	if len(versions) == 0 {
		return nil, ErrEmptyCatalog
	}
	sorted := make([]Version, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EffectiveDate.Before(sorted[j].EffectiveDate)
	})
	return &VersionedCatalog{versions: sorted}, nil
}

// VersionForDate returns the latest version effective on or before date.
func (c *VersionedCatalog) VersionForDate(date time.Time) (*Version, error) {
	var found *Version
	for i := range c.versions {
		if c.versions[i].EffectiveDate.After(date) {
			break
		}
		found = &c.versions[i]
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoVersionForDate, date.Format(time.RFC3339))
	}
	return found, nil
}

// FindPlan resolves a plan by name for a requested date. If the plan does not
// exist in the version effective at requestedDate, later versions up to
// changeDate are probed: a plan introduced after the event's requested date
// is still visible to a subscription whose last plan change happened under
// the newer version.
func (c *VersionedCatalog) FindPlan(name string, requestedDate, changeDate time.Time) (*Plan, error) {
	version, err := c.VersionForDate(requestedDate)
	if err != nil {
		// changeDate may still land inside a known version.
		version = &c.versions[0]
		if version.EffectiveDate.After(requestedDate) && version.EffectiveDate.After(changeDate) {
			return nil, err
		}
	}
	if plan := version.findPlan(name); plan != nil {
		return plan, nil
	}
	for i := range c.versions {
		v := &c.versions[i]
		if !v.EffectiveDate.After(version.EffectiveDate) {
			continue
		}
		if v.EffectiveDate.After(changeDate) {
			break
		}
		if plan := v.findPlan(name); plan != nil {
			return plan, nil
		}
	}
	return nil, fmt.Errorf("%w: %s at %s", ErrPlanNotFound, name, requestedDate.Format(time.RFC3339))
}

// FindPhase resolves a phase by name. Phase names follow the plan-name-phasetype
// convention, so the owning plan is derived from the phase name.
func (c *VersionedCatalog) FindPhase(name string, requestedDate, changeDate time.Time) (*Plan, *PlanPhase, error) {
	planName := planNameFromPhaseName(name)
	if planName == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrPhaseNotFound, name)
	}
	plan, err := c.FindPlan(planName, requestedDate, changeDate)
	if err != nil {
		return nil, nil, err
	}
	phase := plan.FindPhase(name)
	if phase == nil {
		return nil, nil, fmt.Errorf("%w: %s at %s", ErrPhaseNotFound, name, requestedDate.Format(time.RFC3339))
	}
	return plan, phase, nil
}

// NextPlanVersion probes versions after the given date for a redefinition of
// plan that declares a cutover for existing subscriptions.
func (c *VersionedCatalog) NextPlanVersion(plan *Plan, after time.Time) (*Plan, *Version, bool) {
	for i := range c.versions {
		v := &c.versions[i]
		if !v.EffectiveDate.After(after) {
			continue
		}
		candidate := v.findPlan(plan.Name)
		if candidate != nil && candidate.EffectiveDateForExistingSubscriptions != nil {
			return candidate, v, true
		}
	}
	return nil, nil, false
}

// Versions exposes the sorted version list, oldest first.
func (c *VersionedCatalog) Versions() []Version {
	return c.versions
}

func planNameFromPhaseName(phaseName string) string {
	for i := len(phaseName) - 1; i > 0; i-- {
		if phaseName[i] == '-' {
			return phaseName[:i]
		}
	}
	return ""
}
