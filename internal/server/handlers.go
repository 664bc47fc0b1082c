package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jonathan/testplan-agent/internal/pipeline"
	"github.com/jonathan/testplan-agent/internal/schemas"
	"github.com/jonathan/testplan-agent/internal/sections"
	"github.com/jonathan/testplan-agent/internal/server/middleware"
	"github.com/jonathan/testplan-agent/internal/types"
	rootschemas "github.com/jonathan/testplan-agent/schemas"
)

// maxRequestBytes caps run request bodies.
const maxRequestBytes = 1 << 20

// RunRequest represents the request body for POST /runs
type RunRequest struct {
	Collection       string   `json:"collection"`
	Title            string   `json:"title,omitempty"`
	DocumentIDs      []string `json:"document_ids,omitempty"`
	ActorModels      []string `json:"actor_models,omitempty"`
	CriticModel      string   `json:"critic_model,omitempty"`
	FinalCriticModel string   `json:"final_critic_model,omitempty"`
	PurgeOnAbort     bool     `json:"purge_on_abort,omitempty"`
}

// RunResponse represents the response for POST /runs
type RunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunListResponse represents the response for GET /runs
type RunListResponse struct {
	Recent     []string `json:"recent"`
	Processing []string `json:"processing"`
}

// SectionsResponse represents the response for GET /runs/{id}/sections
type SectionsResponse struct {
	RunID         string               `json:"run_id"`
	Status        types.RunStatus      `json:"status"`
	TotalSections int                  `json:"total_sections"`
	Completed     int                  `json:"completed"`
	Results       []types.CriticResult `json:"results"`
	Document      string               `json:"document"`
}

// PurgeResponse represents the response for DELETE /runs/{id}
type PurgeResponse struct {
	RunID      string `json:"run_id"`
	PurgedKeys int    `json:"purged_keys"`
}

// decodeRunRequest reads, schema-checks and decodes a run request.
func decodeRunRequest(w http.ResponseWriter, r *http.Request) (*RunRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		return nil, &ErrValidation{Field: "body", Message: err.Error()}
	}
	if !json.Valid(body) {
		return nil, &ErrValidation{Field: "body", Message: "invalid JSON"}
	}
	if err := schemas.ValidateBytes(rootschemas.RunRequest, body); err != nil {
		return nil, err
	}
	var req RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ErrValidation{Field: "body", Message: err.Error()}
	}
	return &req, nil
}

// pipelineRequest turns an API request into a runner request. Model roles
// the caller leaves out keep their configured values.
func (s *Server) pipelineRequest(req *RunRequest) pipeline.Request {
	out := pipeline.Request{
		RunID:        uuid.NewString(),
		Title:        req.Title,
		Source:       sections.Source{Collection: req.Collection, DocumentIDs: req.DocumentIDs},
		PurgeOnAbort: req.PurgeOnAbort,
	}
	if len(req.ActorModels) > 0 || req.CriticModel != "" || req.FinalCriticModel != "" {
		m := s.runner.Models()
		if len(req.ActorModels) > 0 {
			m.Actors = req.ActorModels
		}
		if req.CriticModel != "" {
			m.Critic = req.CriticModel
		}
		if req.FinalCriticModel != "" {
			m.FinalCritic = req.FinalCriticModel
		}
		out.Models = &m
	}
	return out
}

// handleCreateRun starts a run in the background and returns its id.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(w, r)
	if err != nil {
		s.failWith(w, err)
		return
	}
	preq := s.pipelineRequest(req)
	subject, _ := middleware.GetSubject(r)
	s.logger.Info("starting run", "run_id", preq.RunID, "collection", req.Collection, "client", subject)

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		out := s.runner.Run(s.runCtx, preq)
		s.logger.Info("run finished", "run_id", out.RunID, "status", out.Status)
	}()

	s.jsonResponse(w, http.StatusAccepted, RunResponse{RunID: preq.RunID, Status: "started"})
}

// handleRunStream runs the pipeline and streams progress via SSE.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRunRequest(w, r)
	if err != nil {
		s.failWith(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sse.Close()

	preq := s.pipelineRequest(req)
	preq.OnProgress = func(ev pipeline.ProgressEvent) {
		if err := sse.WriteEvent("progress", ev); err != nil {
			s.logger.Debug("stream client gone", "run_id", preq.RunID, "error", err)
		}
	}

	out := s.runner.Run(r.Context(), preq)
	if err := sse.WriteEvent("result", out); err != nil {
		return
	}
	if out.Error != "" {
		sse.WriteError(out.Error)
	}
	sse.WriteComplete(out.RunID, out.Status)
}

// handleListRuns returns recent and in-flight run ids.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	recent, processing, err := s.runner.Recent(r.Context())
	if err != nil {
		s.failWith(w, err)
		return
	}
	if recent == nil {
		recent = []string{}
	}
	if processing == nil {
		processing = []string{}
	}
	s.jsonResponse(w, http.StatusOK, RunListResponse{Recent: recent, Processing: processing})
}

// handleGetRun returns run metadata and section statuses.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.runner.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.failWith(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

// handleRunSections assembles the section results stored so far. With
// ?format=markdown the document is returned as text.
func (s *Server) handleRunSections(w http.ResponseWriter, r *http.Request) {
	partial, err := s.runner.Preview(r.Context(), r.PathValue("id"))
	if err != nil {
		s.failWith(w, err)
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, partial.Document)
		return
	}

	results := partial.Results
	if results == nil {
		results = []types.CriticResult{}
	}
	s.jsonResponse(w, http.StatusOK, SectionsResponse{
		RunID:         partial.Run.ID,
		Status:        partial.Run.Status,
		TotalSections: partial.Run.TotalSections,
		Completed:     len(partial.Results),
		Results:       results,
		Document:      partial.Document,
	})
}

// handleAbortRun raises the abort flag. Query flags: purge, remove_document.
func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	purge, err := boolParam(r, "purge")
	if err != nil {
		s.failWith(w, err)
		return
	}
	remove, err := boolParam(r, "remove_document")
	if err != nil {
		s.failWith(w, err)
		return
	}

	res, err := s.runner.Abort(r.Context(), r.PathValue("id"), purge, remove)
	if err != nil {
		s.failWith(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleCleanupRun removes the generated document and all run state.
func (s *Server) handleCleanupRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.runner.Cleanup(r.Context(), r.PathValue("id"))
	if err != nil {
		s.failWith(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleDeleteRun purges all run state. The generated document is kept.
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.runner.Purge(r.Context(), id)
	if err != nil {
		s.failWith(w, err)
		return
	}
	if n == 0 {
		s.errorResponse(w, http.StatusNotFound, "Run not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, PurgeResponse{RunID: id, PurgedKeys: n})
}

func boolParam(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &ErrValidation{Field: name, Message: fmt.Sprintf("not a boolean: %q", v)}
	}
	return b, nil
}
