package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/3leaps/pbs-extend/pkg/policy"
	"github.com/3leaps/pbs-extend/pkg/walltime"
)

// UsageSource is the ledger surface the info view reads.
type UsageSource interface {
	UsedFund(ctx context.Context, owner string) (int64, error)
	UsedCount(ctx context.Context, owner string) (int64, error)
	EarliestExpiry(ctx context.Context, owner string, retention time.Duration) (time.Time, bool, error)
}

// Info is one owner's quota position in the active window.
type Info struct {
	Owner     string        `json:"owner"`
	Retention time.Duration `json:"-"`
	Limits    policy.Limits `json:"limits"`
	UsedCount int64         `json:"used_count"`
	UsedFund  int64         `json:"used_fund"`

	EarliestExpiry time.Time `json:"-"`
	HasExpiry      bool      `json:"-"`
}

// BuildInfo reads owner's usage from src.
func BuildInfo(ctx context.Context, src UsageSource, owner string, limits policy.Limits, retention time.Duration) (*Info, error) {
	count, err := src.UsedCount(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("used count for %s: %w", owner, err)
	}
	fund, err := src.UsedFund(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("used fund for %s: %w", owner, err)
	}
	expiry, ok, err := src.EarliestExpiry(ctx, owner, retention)
	if err != nil {
		return nil, fmt.Errorf("earliest expiry for %s: %w", owner, err)
	}
	return &Info{
		Owner:          owner,
		Retention:      retention,
		Limits:         limits,
		UsedCount:      count,
		UsedFund:       fund,
		EarliestExpiry: expiry,
		HasExpiry:      ok,
	}, nil
}

// Days is the retention window in whole days.
func (i *Info) Days() int64 {
	return int64(i.Retention / (24 * time.Hour))
}

// AvailableCount may be negative when limits were lowered after use.
func (i *Info) AvailableCount() int64 { return i.Limits.Count - i.UsedCount }

// AvailableFund may be negative when limits were lowered after use.
func (i *Info) AvailableFund() int64 { return i.Limits.Fund - i.UsedFund }

// EarliestTimeout renders the earliest expiry, or NoExpiry.
func (i *Info) EarliestTimeout() string {
	return formatExpiry(i.EarliestExpiry, i.HasExpiry)
}

// WriteInfo renders info as the plain-text block shown after quota-related
// outcomes and by the info command.
func WriteInfo(w io.Writer, info *Info) error {
	p := &printer{w: w}
	days := info.Days()
	p.printf("\n%s's info:\n\n", info.Owner)
	p.printf("%d-days counter limit:\t%d\n", days, info.Limits.Count)
	p.printf("Used counter limit:\t%d\n", info.UsedCount)
	p.printf("Avail. counter limit:\t%d\n\n", info.AvailableCount())
	p.printf("%d-days cputime fund:\t%s\n", days, walltime.Format(info.Limits.Fund))
	p.printf("Used cputime fund:\t%s\n", walltime.Format(info.UsedFund))
	p.printf("Avail. cputime fund:\t%s\n\n", walltime.Format(info.AvailableFund()))
	p.printf("Earliest rec. timeout:\t%s\n", info.EarliestTimeout())
	return p.err
}
