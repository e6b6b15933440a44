package catalog

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FileVersion is one catalog version as declared in catalog.yml.
type FileVersion struct {
	EffectiveDate string     `mapstructure:"effectiveDate"`
	Plans         []FilePlan `mapstructure:"plans"`
}

type FilePlan struct {
	Name                 string      `mapstructure:"name"`
	Product              string      `mapstructure:"product"`
	PriceList            string      `mapstructure:"priceList"`
	BillingAlignment     string      `mapstructure:"billingAlignment"`
	CancelPolicy         string      `mapstructure:"cancelPolicy"`
	EffectiveForExisting string      `mapstructure:"effectiveDateForExistingSubscriptions"`
	Phases               []FilePhase `mapstructure:"phases"`
}

type FilePhase struct {
	Name           string `mapstructure:"name"`
	Type           string `mapstructure:"type"`
	BillingPeriod  string `mapstructure:"billingPeriod"`
	DurationMonths int    `mapstructure:"durationMonths"`
}

// Holder serves the current catalog and hot-reloads it when catalog.yml
// changes on disk. An invalid updated file is ignored and the previous
// catalog stays in effect.
type Holder struct {
	current atomic.Value // holds *VersionedCatalog
	log     *zap.Logger
}

// NewHolder reads catalog.yml from the configured paths. When no file is
// found the built-in default catalog is served so a fresh install works
// without provisioning.
func NewHolder(extraPath string, log *zap.Logger) (*Holder, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	if strings.TrimSpace(extraPath) != "" {
		v.AddConfigPath(extraPath)
	}
	v.AddConfigPath("/var/lib/billway/config")
	v.AddConfigPath("/etc/billway")
	v.AddConfigPath(".")

	holder := &Holder{log: log.Named("catalog.holder")}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		cat, buildErr := buildCatalog(defaultVersions())
		if buildErr != nil {
			return nil, buildErr
		}
		holder.current.Store(cat)
		holder.log.Info("no catalog file found, serving built-in default catalog")
		return holder, nil
	}

	cat, err := loadFrom(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cat)
	holder.log.Info("catalog loaded",
		zap.String("file", v.ConfigFileUsed()),
		zap.Int("versions", len(cat.Versions())),
	)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := loadFrom(v)
		if err != nil {
			holder.log.Warn("catalog reload failed, keeping previous catalog",
				zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		holder.log.Info("catalog reloaded",
			zap.String("file", e.Name),
			zap.Int("versions", len(updated.Versions())),
		)
	})

	return holder, nil
}

func (h *Holder) snapshot() *VersionedCatalog {
	return h.current.Load().(*VersionedCatalog)
}

func (h *Holder) FindPlan(name string, requestedDate, changeDate time.Time) (*Plan, error) {
	return h.snapshot().FindPlan(name, requestedDate, changeDate)
}

func (h *Holder) FindPhase(name string, requestedDate, changeDate time.Time) (*Plan, *PlanPhase, error) {
	return h.snapshot().FindPhase(name, requestedDate, changeDate)
}

func (h *Holder) VersionForDate(date time.Time) (*Version, error) {
	return h.snapshot().VersionForDate(date)
}

func (h *Holder) NextPlanVersion(plan *Plan, after time.Time) (*Plan, *Version, bool) {
	return h.snapshot().NextPlanVersion(plan, after)
}

func loadFrom(v *viper.Viper) (*VersionedCatalog, error) {
	var versions []FileVersion
	if err := v.UnmarshalKey("versions", &versions); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return buildCatalog(versions)
}

func buildCatalog(fileVersions []FileVersion) (*VersionedCatalog, error) {
	if len(fileVersions) == 0 {
		return nil, ErrEmptyCatalog
	}
	versions := make([]Version, 0, len(fileVersions))
	for _, fv := range fileVersions {
		effective, err := parseDate(fv.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("catalog version effectiveDate: %w", err)
		}
		version := Version{EffectiveDate: effective}
		for _, fp := range fv.Plans {
			plan, err := buildPlan(fp)
			if err != nil {
				return nil, fmt.Errorf("catalog plan %s: %w", fp.Name, err)
			}
			version.Plans = append(version.Plans, plan)
		}
		versions = append(versions, version)
	}
	return NewVersionedCatalog(versions...)
}

func buildPlan(fp FilePlan) (Plan, error) {
	if strings.TrimSpace(fp.Name) == "" {
		return Plan{}, fmt.Errorf("plan name is required")
	}
	if len(fp.Phases) == 0 {
		return Plan{}, fmt.Errorf("plan has no phases")
	}

	plan := Plan{
		Name:             fp.Name,
		Product:          fp.Product,
		PriceList:        firstNonEmpty(fp.PriceList, "DEFAULT"),
		BillingAlignment: BillingAlignment(firstNonEmpty(strings.ToUpper(fp.BillingAlignment), string(BillingAlignmentAccount))),
		CancelPolicy:     CancelPolicy(firstNonEmpty(strings.ToUpper(fp.CancelPolicy), string(CancelPolicyEndOfTerm))),
	}
	if strings.TrimSpace(fp.EffectiveForExisting) != "" {
		cutover, err := parseDate(fp.EffectiveForExisting)
		if err != nil {
			return Plan{}, fmt.Errorf("effectiveDateForExistingSubscriptions: %w", err)
		}
		plan.EffectiveDateForExistingSubscriptions = &cutover
	}

	for _, fph := range fp.Phases {
		phase, err := buildPhase(plan.Name, fph)
		if err != nil {
			return Plan{}, err
		}
		plan.Phases = append(plan.Phases, phase)
	}
	return plan, nil
}

func buildPhase(planName string, fph FilePhase) (PlanPhase, error) {
	phaseType := PhaseType(strings.ToUpper(strings.TrimSpace(fph.Type)))
	switch phaseType {
	case PhaseTypeTrial, PhaseTypeDiscount, PhaseTypeFixedTerm, PhaseTypeEvergreen:
	default:
		return PlanPhase{}, fmt.Errorf("phase type %q is not valid", fph.Type)
	}

	period := BillingPeriod(strings.ToUpper(firstNonEmpty(strings.TrimSpace(fph.BillingPeriod), string(BillingPeriodNone))))
	switch period {
	case BillingPeriodMonthly, BillingPeriodQuarterly, BillingPeriodBiannual, BillingPeriodAnnual, BillingPeriodNone:
	default:
		return PlanPhase{}, fmt.Errorf("billing period %q is not valid", fph.BillingPeriod)
	}

	name := strings.TrimSpace(fph.Name)
	if name == "" {
		name = planName + "-" + strings.ToLower(string(phaseType))
	}
	if phaseType == PhaseTypeEvergreen && fph.DurationMonths != 0 {
		return PlanPhase{}, fmt.Errorf("evergreen phase %s cannot have a duration", name)
	}

	return PlanPhase{
		Name:           name,
		Type:           phaseType,
		BillingPeriod:  period,
		DurationMonths: fph.DurationMonths,
	}, nil
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is not valid", value)
	}
	return t.UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// defaultVersions is the out-of-the-box catalog used when no catalog.yml is
// provisioned: one version, one monthly plan with a trial.
func defaultVersions() []FileVersion {
	return []FileVersion{
		{
			EffectiveDate: "2020-01-01",
			Plans: []FilePlan{
				{
					Name:         "standard-monthly",
					Product:      "Standard",
					CancelPolicy: string(CancelPolicyEndOfTerm),
					Phases: []FilePhase{
						{Type: string(PhaseTypeTrial), BillingPeriod: string(BillingPeriodNone), DurationMonths: 1},
						{Type: string(PhaseTypeEvergreen), BillingPeriod: string(BillingPeriodMonthly)},
					},
				},
			},
		},
	}
}
