package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/3leaps/pbs-extend/pkg/walltime"
)

// Defaults applied when configuration leaves a value unset.
const (
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultFund         = int64(10368000)
	DefaultCount        = int64(20)
	DefaultOwnerPattern = `^[a-z][a-z0-9_-]{1,14}@[A-Z0-9\._-]+$`
	DefaultListPattern  = `.*`
)

// Settings is the textual policy as it appears in configuration.
type Settings struct {
	Retention    string
	DefaultFund  string
	FundRules    string
	DefaultCount string
	CountRules   string
	OwnerPattern string
	AdminPattern string
	ListPattern  string
}

// Limits are the ceilings that apply to one principal.
type Limits struct {
	Fund  int64 `json:"fund"`
	Count int64 `json:"count"`
}

// Policy is the compiled form of Settings.
type Policy struct {
	Retention    time.Duration
	DefaultFund  int64
	DefaultCount int64
	FundRules    RuleSet
	CountRules   RuleSet

	// Raw rule text is kept for reporting.
	FundRulesText  string
	CountRulesText string

	owner *regexp.Regexp
	admin *regexp.Regexp
	list  *regexp.Regexp
}

// Compile validates settings and builds a Policy.
func Compile(s Settings) (*Policy, error) {
	p := &Policy{
		Retention:      DefaultRetention,
		DefaultFund:    DefaultFund,
		DefaultCount:   DefaultCount,
		FundRulesText:  strings.TrimSpace(s.FundRules),
		CountRulesText: strings.TrimSpace(s.CountRules),
	}

	if v := strings.TrimSpace(s.Retention); v != "" {
		secs, err := walltime.ToSeconds(v)
		if err != nil {
			return nil, &ConfigError{Field: "retention", Message: "invalid value", Err: err}
		}
		p.Retention = time.Duration(secs) * time.Second
	}
	if p.Retention <= 0 {
		return nil, &ConfigError{Field: "retention", Message: "must be positive"}
	}

	var err error
	if p.DefaultFund, err = parseCeiling("fund.default", s.DefaultFund, DefaultFund); err != nil {
		return nil, err
	}
	if p.DefaultCount, err = parseCeiling("count.default", s.DefaultCount, DefaultCount); err != nil {
		return nil, err
	}
	if p.FundRules, err = ParseRules("fund.rules", s.FundRules); err != nil {
		return nil, err
	}
	if p.CountRules, err = ParseRules("count.rules", s.CountRules); err != nil {
		return nil, err
	}

	ownerPattern := s.OwnerPattern
	if strings.TrimSpace(ownerPattern) == "" {
		ownerPattern = DefaultOwnerPattern
	}
	if p.owner, err = compileOptional("owner_pattern", ownerPattern); err != nil {
		return nil, err
	}
	if p.admin, err = compileOptional("admin_pattern", s.AdminPattern); err != nil {
		return nil, err
	}
	if p.list, err = compileOptional("list_pattern", s.ListPattern); err != nil {
		return nil, err
	}

	return p, nil
}

// ValidPrincipal reports whether principal has the accepted owner format.
func (p *Policy) ValidPrincipal(principal string) bool {
	return p.owner != nil && p.owner.MatchString(principal)
}

// IsAdmin reports whether principal is an administrator. An empty admin
// pattern means there are no administrators.
func (p *Policy) IsAdmin(principal string) bool {
	return p.admin != nil && p.admin.MatchString(principal)
}

// ListingEnabled reports whether a list pattern is configured at all.
func (p *Policy) ListingEnabled() bool {
	return p.list != nil
}

// CanList reports whether principal may see every owner's usage.
func (p *Policy) CanList(principal string) bool {
	return p.IsAdmin(principal) && p.list != nil && p.list.MatchString(principal)
}

// LimitsFor resolves the fund and count ceilings of principal.
func (p *Policy) LimitsFor(principal string) Limits {
	return Limits{
		Fund:  p.FundRules.Resolve(principal, p.DefaultFund),
		Count: p.CountRules.Resolve(principal, p.DefaultCount),
	}
}

func parseCeiling(field, value string, def int64) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return def, nil
	}
	v, err := walltime.ToSeconds(value)
	if err != nil {
		return 0, &ConfigError{Field: field, Message: "invalid value", Err: err}
	}
	return v, nil
}

func compileOptional(field, pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, nil
	}
	re, err := compilePrefix(pattern)
	if err != nil {
		return nil, &ConfigError{Field: field, Message: fmt.Sprintf("invalid pattern %q", pattern), Err: err}
	}
	return re, nil
}
