package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/service"
)

type generateRequest struct {
	GroupID string   `json:"group_id" validate:"required,max=128"`
	From    string   `json:"from" validate:"required,rfc3339"`
	To      string   `json:"to" validate:"required,rfc3339"`
	UserIDs []string `json:"user_ids,omitempty" validate:"omitempty,max=200,dive,required,max=128"`
}

type modificationRequest struct {
	TaskID            string `json:"task_id" validate:"required,max=128"`
	NewAssignedUserID string `json:"new_assigned_user_id" validate:"required,max=128"`
}

type applyRequest struct {
	Modifications []modificationRequest `json:"modifications,omitempty" validate:"omitempty,max=500,dive"`
}

type previewView struct {
	PreviewID   string                    `json:"preview_id"`
	GroupID     string                    `json:"group_id"`
	Status      domain.PreviewStatus      `json:"status"`
	Method      domain.DistributionMethod `json:"method,omitempty"`
	Assignments []domain.AssignmentRecord `json:"assignments"`
	Stats       *domain.DistributionStats `json:"stats,omitempty"`
	Dropped     int                       `json:"dropped_count"`
	Error       string                    `json:"error,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	ExpiresAt   time.Time                 `json:"expires_at"`
	AppliedAt   *time.Time                `json:"applied_at,omitempty"`
}

func newPreviewView(preview *domain.DistributionPreview) previewView {
	view := previewView{
		PreviewID:   preview.ID,
		GroupID:     preview.GroupID,
		Status:      preview.Status,
		Method:      preview.Method,
		Assignments: preview.Assignments,
		Dropped:     preview.DroppedCount,
		Error:       preview.Error,
		CreatedAt:   preview.CreatedAt,
		ExpiresAt:   preview.ExpiresAt,
		AppliedAt:   preview.AppliedAt,
	}
	if view.Assignments == nil {
		view.Assignments = []domain.AssignmentRecord{}
	}
	if preview.Status.Terminal() {
		stats := preview.Stats
		view.Stats = &stats
	}
	return view
}

func acceptedResponse(previewID string, status domain.PreviewStatus) map[string]any {
	return map[string]any{
		"preview_id": previewID,
		"status":     status,
		"status_url": "/v1/distributions/" + previewID,
	}
}

func (api *API) GenerateDistribution(w http.ResponseWriter, r *http.Request) {
	var request generateRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if err := api.validate.Struct(request); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "validation failed", validationDetails(err))
		return
	}
	from, _ := time.Parse(time.RFC3339, request.From)
	to, _ := time.Parse(time.RFC3339, request.To)

	key := idempotencyKey(r)
	if key != "" {
		payloadHash := hashPayload(request)
		if entry, reserved := api.idempotency.Reserve(key, payloadHash); !reserved {
			api.replayIdempotent(w, r, entry, payloadHash)
			return
		}
	}

	preview, err := api.distributions.Generate(r.Context(), service.GenerateInput{
		GroupID: request.GroupID,
		From:    from,
		To:      to,
		UserIDs: request.UserIDs,
	})
	if err != nil {
		if key != "" {
			api.idempotency.Release(key)
		}
		switch {
		case errors.Is(err, service.ErrGroupNotFound):
			writeError(w, r, http.StatusNotFound, "group_not_found", "group not found")
		case errors.Is(err, service.ErrInvalidDateRange):
			writeError(w, r, http.StatusBadRequest, "invalid_request", "from must not be after to")
		default:
			api.logger.Error("generate distribution failed", "group_id", request.GroupID, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to schedule distribution")
		}
		return
	}

	if key != "" {
		api.idempotency.Complete(key, preview.ID)
	}
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, acceptedResponse(preview.ID, preview.Status))
}

// replayIdempotent answers a request whose Idempotency-Key is already held.
func (api *API) replayIdempotent(w http.ResponseWriter, r *http.Request, entry idempotencyEntry, payloadHash uint64) {
	if entry.PayloadHash != payloadHash {
		writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
		return
	}
	if entry.PreviewID == "" {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusConflict, "idempotency_in_progress", "a request with this Idempotency-Key is still being processed")
		return
	}
	status := domain.PreviewStatusProcessing
	if preview, err := api.distributions.GetPreview(r.Context(), entry.PreviewID); err == nil {
		status = preview.Status
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse(entry.PreviewID, status))
}

func (api *API) GetDistribution(w http.ResponseWriter, r *http.Request) {
	previewID := strings.TrimSpace(r.PathValue("id"))
	if previewID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "preview id is required")
		return
	}

	preview, err := api.distributions.GetPreview(r.Context(), previewID)
	if err != nil {
		if errors.Is(err, service.ErrPreviewNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "distribution preview not found")
			return
		}
		api.logger.Error("load preview failed", "preview_id", previewID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load distribution preview")
		return
	}

	if preview.Status == domain.PreviewStatusProcessing {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, http.StatusOK, newPreviewView(preview))
}

func (api *API) ApplyDistribution(w http.ResponseWriter, r *http.Request) {
	previewID := strings.TrimSpace(r.PathValue("id"))
	if previewID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "preview id is required")
		return
	}

	var request applyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &request); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
			return
		}
	}
	if err := api.validate.Struct(request); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "validation failed", validationDetails(err))
		return
	}

	modifications := make([]domain.Modification, 0, len(request.Modifications))
	for _, item := range request.Modifications {
		modifications = append(modifications, domain.Modification{
			TaskID:            item.TaskID,
			NewAssignedUserID: item.NewAssignedUserID,
		})
	}

	result, err := api.distributions.Apply(r.Context(), previewID, modifications)
	if err != nil {
		var stateErr *service.StateError
		switch {
		case errors.Is(err, service.ErrPreviewNotFound):
			writeError(w, r, http.StatusNotFound, "not_found", "distribution preview not found")
		case errors.As(err, &stateErr):
			writeError(w, r, http.StatusConflict, "preview_not_applicable", stateErr.Error())
		case errors.Is(err, service.ErrPreviewAlreadyApplied):
			writeError(w, r, http.StatusConflict, "preview_already_applied", "distribution preview already applied")
		case errors.Is(err, service.ErrPreviewExpired):
			writeError(w, r, http.StatusGone, "preview_expired", "distribution preview expired")
		case errors.Is(err, service.ErrInvalidModification):
			writeError(w, r, http.StatusUnprocessableEntity, "invalid_modification", err.Error())
		default:
			api.logger.Error("apply distribution failed", "preview_id", previewID, "error", err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to apply distribution")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}
