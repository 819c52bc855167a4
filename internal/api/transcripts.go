package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/scribe/internal/app/transcripts"
)

// ─── Transcripts & summaries ────────────────────────────────────────────────
//
// POST /api/transcripts       - store a transcript, optionally summarize
// GET  /api/transcripts       - list own transcripts
// GET  /api/transcripts/{id}  - transcript with summary state
// POST /api/summaries         - request a summary of a stored transcript
// GET  /api/jobs/{id}         - summary job status

func (s *Server) handleStoreTranscript(w http.ResponseWriter, r *http.Request) {
	var in transcripts.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := s.svc.Transcripts.Store(r.Context(), accountID(r.Context()), in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.JobID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	page, ok := intParam(w, r, "page", 1)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 20)
	if !ok {
		return
	}
	list, err := s.svc.Transcripts.List(r.Context(), accountID(r.Context()), page, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transcripts": list})
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Transcripts.Get(r.Context(), accountID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type summaryRequest struct {
	TranscriptID string `json:"transcript_id"`
	CustomPrompt string `json:"custom_prompt"`
}

func (s *Server) handleRequestSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.svc.Transcripts.RequestSummary(r.Context(), accountID(r.Context()), req.TranscriptID, req.CustomPrompt)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Jobs.Get(r.Context(), accountID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":        job,
		"statusInfo": job.Status.Info(),
	})
}
