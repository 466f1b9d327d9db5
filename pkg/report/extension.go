package report

import (
	"io"

	"github.com/3leaps/pbs-extend/pkg/admission"
	"github.com/3leaps/pbs-extend/pkg/extension"
	"github.com/3leaps/pbs-extend/pkg/scheduler"
	"github.com/3leaps/pbs-extend/pkg/walltime"
)

// Notices printed before the pipeline runs.
const (
	AdminNotice       = "You are the admin. Your cputime fund will not be affected."
	ForceDeniedNotice = "You need to be the admin to use '-f' parameter."
	forceHint         = "Admins can bypass this check by '-f' parameter."
)

// WriteNotice prints an informational line in yellow.
func WriteNotice(w io.Writer, msg string) error {
	p := &printer{w: w}
	p.printf("%s\n", warnColor.Sprint(msg))
	return p.err
}

// WriteOutcome renders the result of one extension request.
//
// Approved and extended requests print the summary block; denials print
// the decision message and, for fund denials, the largest extension the
// owner could still afford.
func WriteOutcome(w io.Writer, out *extension.Outcome) error {
	if out == nil || out.Decision == nil {
		return nil
	}
	d := out.Decision
	p := &printer{w: w}

	if out.Extended {
		if d.State == scheduler.StateQueued {
			p.printf("The job %s did not start yet. Your cputime fund will not be affected.\n", d.JobID)
		}
		p.printf("The walltime of the job %s %s.\n", d.JobID, okColor.Sprint("has been extended"))
		p.printf("Additional walltime:\t%s\n", walltime.Format(d.Additional))
		p.printf("New walltime:\t\t%s\n", walltime.Format(out.NewWalltime))
		p.printf("Fund affected:\t\t%t\n", !d.FundExempt)
		p.printf("Fund reduction:\t\t%s\n", walltime.Format(out.FundReduction))
		return p.err
	}

	if d.Allowed {
		p.printf("%s\n", failColor.Sprintf("Failed to extend the job %s.", d.JobID))
		return p.err
	}

	p.printf("%s\n", failColor.Sprint(d.Message))
	switch d.Reason {
	case admission.ReasonInsufficientFund:
		if d.MaxAffordable != nil {
			p.printf("Possible walltime extension for the job %s is %s.\n", d.JobID, walltime.Format(*d.MaxAffordable))
		}
	case admission.ReasonReservationConflict, admission.ReasonNodeReserved:
		p.printf("%s\n", forceHint)
	}
	return p.err
}

// ShowsInfo reports whether the owner's info block should follow out.
func ShowsInfo(out *extension.Outcome) bool {
	if out == nil || out.Decision == nil {
		return false
	}
	if out.Extended {
		return !out.Decision.FundExempt
	}
	switch out.Decision.Reason {
	case admission.ReasonInsufficientFund, admission.ReasonInsufficientCount:
		return true
	}
	return false
}
