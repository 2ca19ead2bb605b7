package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/alem-hub/research-pipeline/internal/application/command"
	"github.com/alem-hub/research-pipeline/internal/application/query"
	"github.com/alem-hub/research-pipeline/internal/domain/contribution"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH & STATUS HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth reports 503 only when a critical dependency (Postgres) is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// handleReady reports 503 when any dependency is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": s.Uptime().Round(time.Second).String(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTRIBUTION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// SubmitRequest is the body of POST /api/v1/contributions.
type SubmitRequest struct {
	UserID    string                `json:"user_id" validate:"required,max=128"`
	ProblemID string                `json:"problem_id" validate:"required,max=128"`
	Solution  json.RawMessage       `json:"solution" validate:"required"`
	Metadata  SubmitMetadataRequest `json:"metadata"`
}

// SubmitMetadataRequest is the behavioural context of a submission.
type SubmitMetadataRequest struct {
	TimeSpentSeconds *float64 `json:"time_spent_seconds,omitempty" validate:"omitempty,gte=0"`
	Certainty        *float64 `json:"certainty,omitempty"`
}

func (m SubmitMetadataRequest) toDomain() contribution.Metadata {
	return contribution.Metadata{TimeSpentSeconds: m.TimeSpentSeconds, Certainty: m.Certainty}
}

// UnlockDTO is an achievement unlocked by a submission.
type UnlockDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UnlockedAt time.Time `json:"unlocked_at"`
}

// ProgressSummaryDTO is the user's state after a submission.
type ProgressSummaryDTO struct {
	Level         int   `json:"level"`
	Experience    int64 `json:"experience"`
	CurrentStreak int   `json:"current_streak"`
	BestStreak    int   `json:"best_streak"`
	Version       int64 `json:"version"`
}

// ContributionDTO is the outcome of a submission or resume.
type ContributionDTO struct {
	ContributionID  string              `json:"contribution_id"`
	Status          string              `json:"status"`
	QualityScore    *float64            `json:"quality_score,omitempty"`
	ConfidenceScore *float64            `json:"confidence_score,omitempty"`
	PointsAwarded   int                 `json:"points_awarded"`
	Reason          string              `json:"reason,omitempty"`
	FailedCriterion string              `json:"failed_criterion,omitempty"`
	Unlocked        []UnlockDTO         `json:"unlocked"`
	Progress        *ProgressSummaryDTO `json:"progress,omitempty"`
	AlreadyFinal    bool                `json:"already_final,omitempty"`
}

func toContributionDTO(res *command.ContributionResult) *ContributionDTO {
	dto := &ContributionDTO{
		ContributionID:  res.ContributionID,
		Status:          string(res.Status),
		QualityScore:    res.QualityScore,
		ConfidenceScore: res.ConfidenceScore,
		PointsAwarded:   res.PointsAwarded,
		Reason:          string(res.Reason),
		FailedCriterion: res.FailedCriterion,
		Unlocked:        make([]UnlockDTO, 0, len(res.Unlocked)),
		AlreadyFinal:    res.AlreadyFinal,
	}
	for _, u := range res.Unlocked {
		dto.Unlocked = append(dto.Unlocked, UnlockDTO{ID: u.AchievementID, Name: u.Name, UnlockedAt: u.UnlockedAt})
	}
	if p := res.Progress; p != nil {
		dto.Progress = &ProgressSummaryDTO{
			Level:         p.Level,
			Experience:    p.Experience,
			CurrentStreak: p.CurrentStreak,
			BestStreak:    p.BestStreak,
			Version:       p.Version,
		}
	}
	return dto
}

// handleSubmit handles POST /api/v1/contributions.
// A quality rejection is a stored outcome and comes back as 201 with status
// "rejected"; refusals that persist nothing are errors.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeDecodeError(w, r, err)
		return
	}

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = middleware.GetReqID(r.Context())
	}

	res, err := s.deps.Submit.Handle(r.Context(), command.SubmitSolutionCommand{
		UserID:        req.UserID,
		ProblemID:     req.ProblemID,
		Payload:       req.Solution,
		Metadata:      req.Metadata.toDomain(),
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/v1/contributions/"+res.ContributionID)
	writeJSON(w, r, http.StatusCreated, toContributionDTO(res))
}

// handleProcess handles POST /api/v1/contributions/{id}/process.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		writeJSONError(w, r, http.StatusBadRequest, "INVALID_INPUT", "contribution ID is required")
		return
	}

	res, err := s.deps.Submit.ProcessContribution(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toContributionDTO(res))
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERY HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleGetUserProgress handles GET /api/v1/users/{id}/progress.
func (s *Server) handleGetUserProgress(w http.ResponseWriter, r *http.Request) {
	dto, err := s.deps.Progress.Handle(r.Context(), query.GetUserProgressQuery{UserID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// handleListProblems handles GET /api/v1/problems?active=false.
// Only active problems are listed unless active=false is passed.
func (s *Server) handleListProblems(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "INVALID_INPUT", "active must be a boolean")
			return
		}
		activeOnly = b
	}

	list, err := s.deps.Problems.List(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, list, &ResponseMeta{Count: len(list)})
}

// handleGetProblem handles GET /api/v1/problems/{id}.
func (s *Server) handleGetProblem(w http.ResponseWriter, r *http.Request) {
	dto, err := s.deps.Problems.Handle(r.Context(), query.GetProblemStatsQuery{ProblemID: chi.URLParam(r, "id")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// handleGetLeaderboard handles GET /api/v1/leaderboard?limit=N.
func (s *Server) handleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, r, http.StatusBadRequest, "INVALID_INPUT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	res, err := s.deps.Leaderboard.Handle(r.Context(), query.GetLeaderboardQuery{Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONWithMeta(w, r, http.StatusOK, res, &ResponseMeta{Count: len(res.Entries)})
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST DECODING
// ══════════════════════════════════════════════════════════════════════════════

var errEmptyBody = errors.New("request body is empty")

// decodeJSON reads a single JSON document into dst and validates its tags.
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return s.validate.Struct(dst)
}

func (s *Server) writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSONError(w, r, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
		return
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
		}
		writeAPIError(w, r, http.StatusBadRequest, &APIError{
			Code:    "INVALID_INPUT",
			Message: "request validation failed",
			Details: details,
		})
		return
	}

	writeJSONError(w, r, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
}
