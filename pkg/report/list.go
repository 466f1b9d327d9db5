package report

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/pbs-extend/pkg/ledger"
	"github.com/3leaps/pbs-extend/pkg/policy"
)

// AggregateSource lists per-owner totals.
type AggregateSource interface {
	ListAggregates(ctx context.Context) ([]ledger.Aggregate, error)
}

// OwnerUsage is one entry of the list view.
type OwnerUsage struct {
	Count           int64  `json:"count"`
	CPUTime         int64  `json:"cputime"`
	EarliestTimeout string `json:"earliest_timeout"`
}

// List is the document printed by the list command.
type List struct {
	CleanSecs  int64                 `json:"clean_secs"`
	FundRules  string                `json:"cputime_fund_rules,omitempty"`
	CountRules string                `json:"count_limit_rules,omitempty"`
	Owners     map[string]OwnerUsage `json:"list"`
}

// BuildList collects every owner with active records.
func BuildList(ctx context.Context, src AggregateSource, p *policy.Policy) (*List, error) {
	aggs, err := src.ListAggregates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	doc := &List{
		CleanSecs:  int64(p.Retention.Seconds()),
		FundRules:  p.FundRulesText,
		CountRules: p.CountRulesText,
		Owners:     make(map[string]OwnerUsage, len(aggs)),
	}
	for _, agg := range aggs {
		doc.Owners[agg.Owner] = OwnerUsage{
			Count:           agg.Count,
			CPUTime:         agg.CPUTime,
			EarliestTimeout: formatExpiry(agg.EarliestExpiry, true),
		}
	}
	return doc, nil
}

// ErrInvalidPattern is returned by Filter for a malformed owner glob.
var ErrInvalidPattern = errors.New("invalid owner pattern")

// Filter keeps the owners matching a doublestar glob such as "alice*" or
// "*@CLUSTER". An empty pattern keeps every owner.
func (l *List) Filter(pattern string) (*List, error) {
	if pattern == "" {
		return l, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	out := *l
	out.Owners = make(map[string]OwnerUsage)
	for owner, usage := range l.Owners {
		ok, err := doublestar.Match(pattern, owner)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
		}
		if ok {
			out.Owners[owner] = usage
		}
	}
	return &out, nil
}

// Encode renders the list as indented JSON.
func (l *List) Encode() ([]byte, error) {
	return encodeJSON(l)
}

// WriteList encodes l to w.
func WriteList(w io.Writer, l *List) error {
	b, err := l.Encode()
	if err != nil {
		return err
	}
	if err := writeAll(w, b); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}
