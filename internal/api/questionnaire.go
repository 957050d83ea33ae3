package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/stepflow/internal/config"
	"github.com/ashureev/stepflow/internal/domain"
	"github.com/ashureev/stepflow/internal/identity"
	"github.com/ashureev/stepflow/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
)

// maxSubmissionBodySize caps submission payloads (1MB); the conversation log
// dominates their size.
const maxSubmissionBodySize = 1 << 20

// RegisterRoutes registers the questionnaire routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/metadata", h.GetMetadata)
		r.Post("/submit", h.Submit)
		r.Get("/config", h.GetConfig)
	})
}

type metadataResponse struct {
	ParticipantID  string                `json:"participantId"`
	TreatmentGroup domain.TreatmentGroup `json:"treatmentGroup"`
}

// GetMetadata issues the participant identifier and treatment group. The
// group is assigned on the first call and stable afterwards.
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	participantID := identity.ParticipantIDFromContext(r.Context())
	if participantID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	choose := func(control, agent int) domain.TreatmentGroup {
		return domain.BalancedGroup(control, agent, h.coin)
	}
	p, created, err := h.repo.AssignParticipant(r.Context(), participantID, choose)
	if err != nil {
		slog.Error("Failed to assign participant", "participant_id", participantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue metadata")
		return
	}
	if created {
		slog.Info("Participant assigned",
			"participant_id", participantID,
			"session_id", identity.SessionIDFromContext(r.Context()),
			"treatment_group", p.TreatmentGroup.String())
	}

	JSON(w, http.StatusOK, metadataResponse{ParticipantID: p.ParticipantID, TreatmentGroup: p.TreatmentGroup})
}

type submitResponse struct {
	SubmissionID string `json:"submissionId"`
}

// Submit stores the final answers. Form fields arrive flattened next to the
// reserved keys and are stored as one JSON object. A participant submits at
// most once; repeats return the original submission id.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	participantID := identity.ParticipantIDFromContext(r.Context())
	if participantID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBodySize)
	var payload map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var claimedID string
	if raw, ok := payload["participantId"]; ok {
		if err := json.Unmarshal(raw, &claimedID); err != nil {
			Error(w, http.StatusBadRequest, "participantId must be a string")
			return
		}
	}
	if claimedID != "" && claimedID != participantID {
		Error(w, http.StatusForbidden, "participant mismatch")
		return
	}

	p, err := h.repo.GetParticipant(r.Context(), participantID)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "unknown participant")
		return
	}
	if err != nil {
		slog.Error("Failed to load participant", "participant_id", participantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store submission")
		return
	}

	var claimedGroup *domain.TreatmentGroup
	if raw, ok := payload["treatmentGroup"]; ok {
		if err := json.Unmarshal(raw, &claimedGroup); err != nil {
			Error(w, http.StatusBadRequest, "treatmentGroup must be 0 or 1")
			return
		}
		if claimedGroup != nil && *claimedGroup != p.TreatmentGroup {
			slog.Warn("Submission treatment group differs from assignment",
				"participant_id", participantID,
				"claimed", *claimedGroup,
				"assigned", p.TreatmentGroup)
		}
	}

	conversationLog := payload["conversationLog"]
	delete(payload, "participantId")
	delete(payload, "treatmentGroup")
	delete(payload, "conversationLog")
	fields, err := json.Marshal(payload)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid form fields")
		return
	}

	sub := &domain.Submission{
		SubmissionID:    ulid.Make().String(),
		ParticipantID:   participantID,
		TreatmentGroup:  p.TreatmentGroup,
		ConversationLog: conversationLog,
		Fields:          fields,
		CreatedAt:       time.Now(),
	}
	stored, created, err := h.repo.SaveSubmission(r.Context(), sub)
	if err != nil {
		slog.Error("Failed to store submission", "participant_id", participantID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to store submission")
		return
	}
	if created {
		slog.Info("Submission stored", "participant_id", participantID, "submission_id", stored.SubmissionID)
	}

	JSON(w, http.StatusOK, submitResponse{SubmissionID: stored.SubmissionID})
}

type configResponse struct {
	config.FlowConfig
	ChatEnabled    bool  `json:"chatEnabled"`
	PollIntervalMS int64 `json:"pollIntervalMs"`
	RetryDelayMS   int64 `json:"retryDelayMs"`
}

// GetConfig returns the questionnaire shape used by the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, configResponse{
		FlowConfig:     h.cfg.Flow,
		ChatEnabled:    h.cfg.ChatEnabled(),
		PollIntervalMS: h.cfg.Relay.PollInterval.Milliseconds(),
		RetryDelayMS:   h.cfg.Retry.Delay.Milliseconds(),
	})
}
