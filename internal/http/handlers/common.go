package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/http/middleware"
	"github.com/iago/distribution-engine/internal/service"
)

var errInvalidPayload = errors.New("invalid payload")

// Distributor is the preview lifecycle the API exposes.
type Distributor interface {
	Generate(ctx context.Context, input service.GenerateInput) (*domain.DistributionPreview, error)
	GetPreview(ctx context.Context, previewID string) (*domain.DistributionPreview, error)
	Apply(ctx context.Context, previewID string, modifications []domain.Modification) (domain.ApplyResult, error)
}

type API struct {
	distributions Distributor
	validate      *validator.Validate
	idempotency   *idempotencyStore
	logger        *slog.Logger
}

func NewAPI(distributions Distributor, logger *slog.Logger) *API {
	validate := validator.New()
	_ = validate.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.RFC3339, fl.Field().String())
		return err == nil
	})
	if logger == nil {
		logger = slog.Default()
	}

	return &API{
		distributions: distributions,
		validate:      validate,
		idempotency:   newIdempotencyStore(24 * time.Hour),
		logger:        logger.With("component", "api"),
	}
}

type errorPayload struct {
	Error struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeErrorDetails(w, r, statusCode, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details []string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.Details = details
	writeJSON(w, statusCode, payload)
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// validationDetails flattens validator errors into client-facing messages.
func validationDetails(err error) []string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details = append(details, fmt.Sprintf("field '%s' failed on the '%s' tag", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return details
}

type idempotencyEntry struct {
	PayloadHash uint64
	// PreviewID is empty while the first request is still generating.
	PreviewID   string
	CreatedAt   time.Time
}

// idempotencyStore remembers Idempotency-Key headers for ttl. Keys are
// reserved before the preview exists, so concurrent retries of one request
// cannot both generate.
type idempotencyStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	lastPrune time.Time
	entries   map[string]idempotencyEntry
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]idempotencyEntry),
	}
}

// Reserve claims key for payloadHash. When the key is already held the
// existing entry is returned with reserved == false.
func (s *idempotencyStore) Reserve(key string, payloadHash uint64) (entry idempotencyEntry, reserved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.pruneLocked(now)
	if existing, ok := s.entries[key]; ok && now.Sub(existing.CreatedAt) <= s.ttl {
		return existing, false
	}
	s.entries[key] = idempotencyEntry{PayloadHash: payloadHash, CreatedAt: now}
	return idempotencyEntry{}, true
}

func (s *idempotencyStore) Complete(key, previewID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		entry.PreviewID = previewID
		s.entries[key] = entry
	}
}

// Release drops a reservation whose request failed, so the client may retry.
func (s *idempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// pruneLocked drops expired keys, at most once per ttl (capped at a minute).
func (s *idempotencyStore) pruneLocked(now time.Time) {
	interval := min(s.ttl, time.Minute)
	if now.Sub(s.lastPrune) < interval {
		return
	}
	s.lastPrune = now
	for key, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, key)
		}
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}
