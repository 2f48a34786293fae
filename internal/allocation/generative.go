package allocation

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iago/distribution-engine/internal/ai"
	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/metrics"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

const defaultConfidence = 0.8

type GenerativeConfig struct {
	Model                 string
	Temperature           float64
	MaxTokens             int
	TargetVariancePercent float64
}

// GenerativeAllocator asks a chat completion model for the assignment. It is
// best effort: the result may not cover every task, and the caller decides
// what to do about it.
type GenerativeAllocator struct {
	client ai.ChatCompleter
	config GenerativeConfig
	logger *slog.Logger
	tracer trace.Tracer

	systemPrompt string
	dataTemplate *template.Template
}

var _ Strategy = (*GenerativeAllocator)(nil)

func NewGenerativeAllocator(client ai.ChatCompleter, config GenerativeConfig, logger *slog.Logger) (*GenerativeAllocator, error) {
	if strings.TrimSpace(config.Model) == "" {
		config.Model = "gpt-4.1-mini"
	}
	if config.Temperature < 0 {
		config.Temperature = 0
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4000
	}
	if config.TargetVariancePercent <= 0 {
		config.TargetVariancePercent = 15
	}
	if logger == nil {
		logger = slog.Default()
	}

	templates, err := template.ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	var system bytes.Buffer
	if err := templates.ExecuteTemplate(&system, "system.tmpl", config); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	return &GenerativeAllocator{
		client:       client,
		config:       config,
		logger:       logger.With("component", "generative-allocator"),
		tracer:       otel.Tracer("distribution-engine/allocation"),
		systemPrompt: strings.TrimSpace(system.String()),
		dataTemplate: templates.Lookup("data.tmpl"),
	}, nil
}

func (g *GenerativeAllocator) Allocate(ctx context.Context, input Input) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "allocation.Generative", trace.WithAttributes(
		attribute.Int("tasks", len(input.Tasks)),
		attribute.Int("users", len(input.Users)),
		attribute.String("model", g.config.Model),
	))
	defer span.End()

	result, err := g.allocate(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.Int("assignments", len(result.Assignments)),
		attribute.Int("dropped", result.Dropped),
	)
	return result, nil
}

func (g *GenerativeAllocator) allocate(ctx context.Context, input Input) (Result, error) {
	if g.client == nil || !g.client.Available() {
		return Result{}, &Error{Reason: ReasonUnavailable, Err: ai.ErrClientUnavailable}
	}
	if len(input.Users) == 0 {
		return Result{}, ErrNoCandidates
	}

	dataPrompt, err := g.renderDataPrompt(input)
	if err != nil {
		return Result{}, &Error{Reason: ReasonParse, Err: err}
	}

	completion, err := g.client.Complete(ctx, ai.CompletionRequest{
		Model: g.config.Model,
		Messages: []ai.ChatMessage{
			{Role: "system", Content: g.systemPrompt},
			{Role: "user", Content: dataPrompt},
		},
		Temperature:    g.config.Temperature,
		MaxTokens:      g.config.MaxTokens,
		ResponseFormat: ai.ResponseFormatJSONObject,
	})
	if err != nil {
		return Result{}, &Error{Reason: ReasonTransport, Err: err}
	}
	g.recordUsage(ctx, completion)

	proposals, malformed, err := parseProposals(completion.Content)
	if err != nil {
		return Result{}, err
	}
	if malformed > 0 {
		g.logger.Warn("dropping malformed proposals", "count", malformed)
	}
	result := g.resolve(proposals, input)
	result.Dropped += malformed
	return result, nil
}

func (g *GenerativeAllocator) recordUsage(ctx context.Context, completion ai.CompletionResult) {
	usage := completion.Usage
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("model_id", completion.ModelID),
		attribute.Int("tokens.input", usage.InputTokens),
		attribute.Int("tokens.output", usage.OutputTokens),
		attribute.Int("tokens.total", usage.TotalTokens),
	)
	metrics.GenerativeTokensTotal.WithLabelValues(completion.ModelID, "input").Add(float64(usage.InputTokens))
	metrics.GenerativeTokensTotal.WithLabelValues(completion.ModelID, "output").Add(float64(usage.OutputTokens))
	g.logger.Debug("completion received",
		"model", completion.ModelID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"total_tokens", usage.TotalTokens,
	)
}

func (g *GenerativeAllocator) renderDataPrompt(input Input) (string, error) {
	var buffer bytes.Buffer
	if err := g.dataTemplate.Execute(&buffer, input); err != nil {
		return "", fmt.Errorf("render data prompt: %w", err)
	}
	return buffer.String(), nil
}

// resolve keeps proposals that reference known tasks and users, first entry
// per task wins. Everything else is dropped and logged.
func (g *GenerativeAllocator) resolve(proposals []proposal, input Input) Result {
	tasks := make(map[string]domain.TaskSummary, len(input.Tasks))
	for _, task := range input.Tasks {
		tasks[task.ID] = task
	}
	users := make(map[string]domain.UserSummary, len(input.Users))
	for _, user := range input.Users {
		users[user.ID] = user
	}

	result := Result{Assignments: make([]domain.AssignmentRecord, 0, len(proposals))}
	seen := make(map[string]struct{}, len(proposals))
	for _, item := range proposals {
		taskID := string(item.TaskID)
		userID := string(item.AssignedUserID)

		task, ok := tasks[taskID]
		if !ok {
			g.logger.Warn("dropping proposal for unknown task", "task_id", taskID, "user_id", userID)
			result.Dropped++
			continue
		}
		user, ok := users[userID]
		if !ok {
			g.logger.Warn("dropping proposal for unknown user", "task_id", taskID, "user_id", userID)
			result.Dropped++
			continue
		}
		if _, dup := seen[taskID]; dup {
			g.logger.Warn("dropping duplicate proposal", "task_id", taskID, "user_id", userID)
			result.Dropped++
			continue
		}
		seen[taskID] = struct{}{}

		rationale := strings.TrimSpace(item.Rationale)
		if rationale == "" {
			rationale = "Assigned by generative balancing"
		}
		result.Assignments = append(result.Assignments, domain.AssignmentRecord{
			TaskID:           task.ID,
			TaskName:         task.Name,
			AssignedUserID:   user.ID,
			AssignedUserName: user.DisplayName,
			Confidence:       clampConfidence(item.Confidence),
			Rationale:        rationale,
		})
	}
	return result
}

type proposal struct {
	TaskID         flexibleID `json:"taskId"`
	AssignedUserID flexibleID `json:"assignedUserId"`
	Confidence     *float64   `json:"confidence"`
	Rationale      string     `json:"rationale"`
}

// flexibleID accepts ids the model emitted as strings or as bare numbers.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*id = flexibleID(strings.TrimSpace(text))
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("id must be a string or number: %s", string(data))
	}
	*id = flexibleID(number.String())
	return nil
}

// parseProposals decodes the model envelope. Entries that do not decode are
// counted as malformed instead of failing the whole response.
func parseProposals(content string) ([]proposal, int, error) {
	body := stripCodeFence(content)
	if body == "" {
		return nil, 0, &Error{Reason: ReasonParse, Err: errors.New("empty model content")}
	}

	var envelope struct {
		Assignments *[]json.RawMessage `json:"assignments"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return nil, 0, &Error{Reason: ReasonParse, Err: err}
	}
	if envelope.Assignments == nil {
		return nil, 0, &Error{Reason: ReasonShape, Err: errors.New(`response has no "assignments" key`)}
	}

	proposals := make([]proposal, 0, len(*envelope.Assignments))
	malformed := 0
	for _, raw := range *envelope.Assignments {
		var item proposal
		if err := json.Unmarshal(raw, &item); err != nil {
			malformed++
			continue
		}
		proposals = append(proposals, item)
	}
	return proposals, malformed, nil
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "json")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func clampConfidence(value *float64) float64 {
	if value == nil {
		return defaultConfidence
	}
	switch {
	case *value < 0:
		return 0
	case *value > 1:
		return 1
	default:
		return *value
	}
}
