package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/pbs-extend/internal/access"
	apperrors "github.com/3leaps/pbs-extend/internal/errors"
	"github.com/3leaps/pbs-extend/internal/observability"
	"github.com/3leaps/pbs-extend/pkg/admission"
	"github.com/3leaps/pbs-extend/pkg/extension"
	"github.com/3leaps/pbs-extend/pkg/policy"
	"github.com/3leaps/pbs-extend/pkg/report"
	"github.com/3leaps/pbs-extend/pkg/scheduler"
	"github.com/3leaps/pbs-extend/pkg/walltime"
)

// maxBodyBytes bounds extension request bodies.
const maxBodyBytes = 64 << 10

// UsageStore is the ledger surface the usage endpoints read.
type UsageStore interface {
	report.UsageSource
	report.AggregateSource
}

// Extender runs one extension request.
type Extender interface {
	Extend(ctx context.Context, client scheduler.Client, req admission.Request, limits policy.Limits) (*extension.Outcome, error)
}

// ConnectFunc dials the server holding rawID and returns the adjusted id.
type ConnectFunc func(ctx context.Context, rawID string) (scheduler.Client, string, error)

// API serves the /v1 endpoints.
//
// The caller's principal is read from PrincipalHeader, which the fronting
// proxy must set after authenticating the user. With no header configured
// every /v1 request is refused.
type API struct {
	Guard           access.Guard
	Usage           UsageStore
	Extender        Extender
	Connect         ConnectFunc
	Auditor         *observability.Auditor
	PrincipalHeader string
	Logger          *zap.Logger
}

// UsageResponse is one principal's quota position.
type UsageResponse struct {
	Owner            string `json:"owner"`
	RetentionSeconds int64  `json:"retention_seconds"`
	CountLimit       int64  `json:"count_limit"`
	UsedCount        int64  `json:"used_count"`
	AvailableCount   int64  `json:"available_count"`
	FundLimit        int64  `json:"fund_limit"`
	UsedFund         int64  `json:"used_fund"`
	AvailableFund    int64  `json:"available_fund"`
	EarliestTimeout  string `json:"earliest_timeout"`
}

func usageResponse(info *report.Info) *UsageResponse {
	return &UsageResponse{
		Owner:            info.Owner,
		RetentionSeconds: int64(info.Retention.Seconds()),
		CountLimit:       info.Limits.Count,
		UsedCount:        info.UsedCount,
		AvailableCount:   info.AvailableCount(),
		FundLimit:        info.Limits.Fund,
		UsedFund:         info.UsedFund,
		AvailableFund:    info.AvailableFund(),
		EarliestTimeout:  info.EarliestTimeout(),
	}
}

// ExtensionRequest is the body of POST /v1/jobs/{jobID}/extensions.
type ExtensionRequest struct {
	// Walltime is seconds or H:MM:SS.
	Walltime string `json:"walltime"`
	Force    bool   `json:"force,omitempty"`
}

// ExtensionResponse reports an applied extension.
type ExtensionResponse struct {
	JobID              string         `json:"job_id"`
	Server             string         `json:"server,omitempty"`
	AdditionalWalltime int64          `json:"additional_walltime"`
	NewWalltime        int64          `json:"new_walltime"`
	FundAffected       bool           `json:"fund_affected"`
	FundReduction      int64          `json:"fund_reduction"`
	Recorded           bool           `json:"recorded"`
	Notices            []string       `json:"notices,omitempty"`
	Usage              *UsageResponse `json:"usage,omitempty"`
}

// Routes mounts the endpoints on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/usage", a.List)
	r.Get("/usage/{principal}", a.Info)
	r.Post("/jobs/{jobID}/extensions", a.Extend)
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// principal authenticates the request and opens its audit log.
func (a *API) principal(r *http.Request) (string, *observability.AuditLog, error) {
	if a.PrincipalHeader == "" {
		return "", nil, apperrors.New(apperrors.KindPermission, "API access is disabled; no principal header is configured.")
	}
	principal := strings.TrimSpace(r.Header.Get(a.PrincipalHeader))

	auditor := a.Auditor
	if auditor == nil {
		auditor = observability.NopAuditor()
	}
	audit := auditor.For(principal, clientIP(r), apperrors.RequestIDFromContext(r.Context()))

	if principal == "" {
		audit.Error("Missing principal header")
		return "", audit, apperrors.New(apperrors.KindPermission, "Missing principal.")
	}
	if !a.Guard.Policy.ValidPrincipal(principal) {
		audit.Error("Illegal format of principal")
		return "", audit, apperrors.New(apperrors.KindValidation, "Illegal format of principal.")
	}
	return principal, audit, nil
}

// List serves GET /v1/usage, optionally filtered by an ?owner= glob.
func (a *API) List(w http.ResponseWriter, r *http.Request) {
	principal, audit, err := a.principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if err := a.Guard.List(principal); err != nil {
		audit.Error(err.Error())
		respondWithError(w, r, err)
		return
	}
	doc, err := report.BuildList(r.Context(), a.Usage, a.Guard.Policy)
	if err != nil {
		audit.Error("Failed to list usage", zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.KindConnectivity, "Failed to list usage.", err))
		return
	}
	if doc, err = doc.Filter(r.URL.Query().Get("owner")); err != nil {
		respondWithError(w, r, apperrors.Wrap(apperrors.KindValidation, "Invalid owner pattern.", err))
		return
	}
	audit.Info("List shown", zap.Int("owners", len(doc.Owners)))
	apperrors.WriteJSON(w, http.StatusOK, doc)
}

// Info serves GET /v1/usage/{principal}.
func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	principal, audit, err := a.principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	owner := chi.URLParam(r, "principal")
	if err := a.Guard.Info(principal, owner); err != nil {
		audit.Error(err.Error(), zap.String("owner", owner))
		respondWithError(w, r, err)
		return
	}
	info, err := a.info(r.Context(), owner)
	if err != nil {
		audit.Error("Failed to read usage", zap.String("owner", owner), zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.KindConnectivity, "Failed to read usage.", err))
		return
	}
	audit.Info("Info shown", zap.String("owner", owner))
	apperrors.WriteJSON(w, http.StatusOK, usageResponse(info))
}

func (a *API) info(ctx context.Context, owner string) (*report.Info, error) {
	p := a.Guard.Policy
	return report.BuildInfo(ctx, a.Usage, owner, p.LimitsFor(owner), p.Retention)
}

// Extend serves POST /v1/jobs/{jobID}/extensions.
func (a *API) Extend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, audit, err := a.principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var body ExtensionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		audit.Error("Malformed extension request", zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.KindValidation, "Malformed request body.", err))
		return
	}
	additional, err := walltime.Parse(body.Walltime)
	if err != nil {
		audit.Error("Wrong walltime format", zap.String("walltime", body.Walltime))
		respondWithError(w, r, apperrors.Wrap(apperrors.KindValidation, "Wrong walltime format.", err).
			WithDetails(map[string]any{"walltime": body.Walltime}))
		return
	}

	admin := a.Guard.Policy.IsAdmin(principal)
	var notices []string
	if admin {
		notices = append(notices, report.AdminNotice)
	}
	force, notice, err := a.Guard.Force(principal, body.Force)
	if err != nil {
		audit.Error(err.Error())
		respondWithError(w, r, err)
		return
	}
	if notice != "" {
		notices = append(notices, notice)
	}

	client, jobID, err := a.Connect(ctx, chi.URLParam(r, "jobID"))
	if err != nil {
		audit.Error("Failed to connect to server", zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.KindConnectivity, "Failed to connect to server.", err))
		return
	}
	defer func() { _ = client.Close() }()

	req := admission.Request{
		JobID:      jobID,
		Additional: additional,
		Requester:  principal,
		Admin:      admin,
		Force:      force,
	}
	outcome, applyErr := a.Extender.Extend(ctx, client, req, a.Guard.Policy.LimitsFor(principal))
	d := outcome.Decision

	if applyErr != nil {
		audit.Error("Failed to alter job", zap.String("job_id", d.JobID), zap.Error(applyErr))
		respondWithError(w, r, apperrors.Wrap(apperrors.KindConnectivity, "Failed to extend the job "+d.JobID+".", applyErr).
			WithDetails(map[string]any{"job_id": d.JobID}))
		return
	}
	if !outcome.Extended {
		audit.Error(d.Message, zap.String("job_id", d.JobID), zap.String("reason", string(d.Reason)))
		denial := apperrors.FromDecision(d)
		if denial == nil {
			denial = apperrors.New(apperrors.KindInternal, "Failed to extend the job "+d.JobID+".")
		}
		respondWithError(w, r, denial)
		return
	}

	audit.Info("The walltime of the job has been extended",
		zap.String("job_id", d.JobID),
		zap.Int64("additional_walltime", d.Additional),
		zap.Int64("new_walltime", outcome.NewWalltime),
		zap.Int64("fund_reduction", outcome.FundReduction))

	resp := ExtensionResponse{
		JobID:              d.JobID,
		Server:             d.Server,
		AdditionalWalltime: d.Additional,
		NewWalltime:        outcome.NewWalltime,
		FundAffected:       !d.FundExempt,
		FundReduction:      outcome.FundReduction,
		Recorded:           outcome.Recorded,
		Notices:            notices,
	}
	if report.ShowsInfo(outcome) {
		if info, err := a.info(ctx, principal); err != nil {
			a.logger().Warn("Failed to read usage", zap.Error(err))
		} else {
			resp.Usage = usageResponse(info)
		}
	}
	apperrors.WriteJSON(w, http.StatusOK, resp)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
