package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/hutch-labs/hutch-agent/internal/bundle"
	"github.com/hutch-labs/hutch-agent/internal/domain"
	"github.com/hutch-labs/hutch-agent/internal/platform/httpserver"
	"github.com/hutch-labs/hutch-agent/internal/repo"
	"github.com/hutch-labs/hutch-agent/internal/wfexs"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	// multipartSlack covers multipart boundaries and part headers.
	multipartSlack = 1 << 20
)

type bundleIngestor interface {
	Ingest(ctx context.Context, archive io.Reader) (domain.Job, error)
}

type workflowRunner interface {
	RunWorkflow(ctx context.Context, job domain.Job) (domain.Job, error)
}

type agentAPI struct {
	logger   *slog.Logger
	ingestor bundleIngestor
	runner   workflowRunner
	ledger   repo.JobRepository
	maxBytes int64
}

func newAgentAPI(logger *slog.Logger, ingestor bundleIngestor, runner workflowRunner, ledger repo.JobRepository, maxBytes int64) *agentAPI {
	return &agentAPI{
		logger:   logger.With("component", "api"),
		ingestor: ingestor,
		runner:   runner,
		ledger:   ledger,
		maxBytes: maxBytes,
	}
}

func (api *agentAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", api.handleSubmitWorkflow)
	mux.HandleFunc("GET /jobs", api.handleListJobs)
	mux.HandleFunc("GET /jobs/{job_id}", api.handleGetJob)
}

// handleSubmitWorkflow ingests the bundle and runs it before answering. The
// run continues if the client goes away so the ledger never holds a job that
// was abandoned half way.
func (api *agentAPI) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	if api.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, api.maxBytes+multipartSlack)
	}
	body, err := bundleBody(r)
	if err != nil {
		if isTooLarge(err) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "bundle_too_large", nil)
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := context.WithoutCancel(r.Context())
	job, err := api.ingestor.Ingest(ctx, body)
	if err != nil {
		switch {
		case isTooLarge(err):
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "bundle_too_large", nil)
		case bundle.IsValidation(err):
			httpserver.WriteError(w, r, http.StatusUnprocessableEntity, "invalid_bundle", err.Error())
		default:
			api.logger.Error("bundle ingest failed", "error", err)
			httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		}
		return
	}

	job, err = api.runner.RunWorkflow(ctx, job)
	if err != nil {
		code := "internal_error"
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, wfexs.ErrRunNotIdentified):
			code = "run_not_identified"
		case errors.Is(err, wfexs.ErrProvenance):
			code = "provenance_failed"
		case errors.Is(err, wfexs.ErrProcess):
			code = "engine_failed"
		default:
			status = http.StatusInternalServerError
		}
		api.logger.Warn("workflow run failed", "job_id", job.ID, "run_id", job.RunID, "error", err)
		httpserver.WriteError(w, r, status, code, map[string]any{"job_id": job.ID, "run_id": job.RunID})
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, job)
}

// bundleBody returns the zip stream: the "file" part of a multipart form,
// or the raw request body otherwise.
func bundleBody(r *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errors.New("multipart form has no file part")
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		_ = part.Close()
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, bundle.ErrTooLarge)
}

func (api *agentAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	jobs, err := api.ledger.List(r.Context(), filter)
	if err != nil {
		api.logger.Error("list jobs failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func parseJobFilter(r *http.Request) (repo.JobFilter, error) {
	q := r.URL.Query()
	filter := repo.JobFilter{Limit: defaultListLimit}
	for name, dst := range map[string]**bool{"finished": &filter.Finished, "merged": &filter.Merged} {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return repo.JobFilter{}, errors.New(name + " must be true or false")
		}
		*dst = repo.Bool(v)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			return repo.JobFilter{}, errors.New("limit must be between 1 and " + strconv.Itoa(maxListLimit))
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (api *agentAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if jobID == "" {
		httpserver.WriteError(w, r, http.StatusBadRequest, "job_id_required", nil)
		return
	}
	job, err := api.ledger.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
			return
		}
		api.logger.Error("get job failed", "job_id", jobID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, job)
}
