// Package summary implements the Summary Worker: given one
// DiffResult's three images, prompt an LLM for a structured change
// description, validate it against the canonical schema, and retry once
// with a stricter re-prompt on a parse/validation failure.
package summary

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker"

	busx "github.com/buildtrace/core/internal/bus"
	"github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/observability"
	"github.com/buildtrace/core/internal/platform/logger"
	"github.com/buildtrace/core/internal/storage"
)

// changeSummarySchema is the structured-output contract the model must
// satisfy: {overall_summary, changes[], critical_change?, recommendations?,
// total_changes}.
const changeSummarySchema = `{
  "type": "object",
  "required": ["overall_summary", "changes", "total_changes"],
  "properties": {
    "overall_summary": {"type": "string"},
    "critical_change": {"type": "string"},
    "recommendations": {"type": "string"},
    "total_changes": {"type": "integer", "minimum": 0},
    "changes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "title", "description", "change_type"],
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "change_type": {"type": "string", "enum": ["added", "modified", "removed"]},
          "location": {"type": "string"},
          "impact": {"type": "string"},
          "trade": {"type": "string"}
        }
      }
    }
  }
}`

// Config tunes the model, the LLM call's retry/circuit-breaking envelope,
// and the bounded structured-output repair loop.
type Config struct {
	QueueGroup     string
	Model          string
	MaxRepairs     int
	RequestTimeout time.Duration
	RetryAttempts  uint
	RetryDelay     time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueGroup:     "summary-worker",
		Model:          "gpt-4o",
		MaxRepairs:     1,
		RequestTimeout: 90 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
	}
}

type Worker struct {
	store   storage.Store
	bus     busx.Bus
	client  openai.Client
	schema  *jsonschema.Schema
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	log     *logger.Logger
}

func New(store storage.Store, bus busx.Bus, apiKey string, log *logger.Logger, cfg Config) (*Worker, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("change_summary.json", bytes.NewReader([]byte(changeSummarySchema))); err != nil {
		return nil, fmt.Errorf("summary worker: load schema: %w", err)
	}
	schema, err := compiler.Compile("change_summary.json")
	if err != nil {
		return nil, fmt.Errorf("summary worker: compile schema: %w", err)
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "summary-llm",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Worker{
		store:   store,
		bus:     bus,
		client:  client,
		schema:  schema,
		breaker: breaker,
		cfg:     cfg,
		log:     log.With("component", "summary.Worker"),
	}, nil
}

func (w *Worker) Run(ctx context.Context) error {
	return w.bus.Subscribe(ctx, busx.SubjectSummaryTask, w.cfg.QueueGroup, w.handle)
}

func (w *Worker) handle(ctx context.Context, env busx.Envelope) error {
	var payload busx.SummaryTaskPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("summary worker: decode payload: %w", err)
	}

	ctx, span := observability.StartStageSpan(ctx, "summary_worker.process", env.JobID.String(), string(env.Kind), payload.DrawingName)
	outputs, errKind, errMsg := w.process(ctx, payload)

	status := domain.PageTaskSucceeded
	var spanErr error
	if errKind != "" {
		status = domain.PageTaskFailed
		spanErr = fmt.Errorf("%s: %s", errKind, errMsg)
	}
	observability.EndSpan(span, spanErr)

	completion := busx.CompletionPayload{
		Status:       status,
		ErrorKind:    errKind,
		ErrorMessage: errMsg,
		Outputs:      outputs,
	}
	return w.publishCompletion(ctx, env, completion)
}

func (w *Worker) process(ctx context.Context, payload busx.SummaryTaskPayload) (map[string]any, domain.ErrorKind, string) {
	baselineURI, err := w.dataURI(ctx, payload.BaselineImageRef)
	if err != nil {
		return nil, domain.ErrorKindPreconditionMissing, fmt.Sprintf("load baseline image: %v", err)
	}
	revisedURI, err := w.dataURI(ctx, payload.RevisedImageRef)
	if err != nil {
		return nil, domain.ErrorKindPreconditionMissing, fmt.Sprintf("load revised image: %v", err)
	}
	overlayURI, err := w.dataURI(ctx, payload.OverlayImageRef)
	if err != nil {
		return nil, domain.ErrorKindPreconditionMissing, fmt.Sprintf("load overlay image: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	system := summarySystemPrompt()
	user := summaryUserPrompt(payload.DrawingName)

	raw, callErr := w.callModel(ctx, system, user, baselineURI, revisedURI, overlayURI)
	if callErr != nil {
		return nil, classifyLLMError(callErr), callErr.Error()
	}

	parsed, valErr := w.parseAndValidate(raw)
	repairs := 0
	for valErr != nil && repairs < w.cfg.MaxRepairs {
		repairs++
		repairUser := repairPrompt(raw, valErr)
		raw, callErr = w.callModel(ctx, system, repairUser, baselineURI, revisedURI, overlayURI)
		if callErr != nil {
			return nil, classifyLLMError(callErr), callErr.Error()
		}
		parsed, valErr = w.parseAndValidate(raw)
	}
	if valErr != nil {
		return nil, domain.ErrorKindSchemaParse, valErr.Error()
	}

	var doc struct {
		OverallSummary  string          `json:"overall_summary"`
		Changes         json.RawMessage `json:"changes"`
		CriticalChange  string          `json:"critical_change"`
		Recommendations string          `json:"recommendations"`
		TotalChanges    int             `json:"total_changes"`
	}
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return nil, domain.ErrorKindSchemaParse, fmt.Sprintf("decode validated summary: %v", err)
	}

	var changes any
	_ = json.Unmarshal(doc.Changes, &changes)

	return map[string]any{
		"overall_summary":  doc.OverallSummary,
		"changes":          changes,
		"critical_change":  doc.CriticalChange,
		"recommendations":  doc.Recommendations,
		"total_changes":    doc.TotalChanges,
		"free_text":        renderFreeText(doc.OverallSummary, doc.CriticalChange, doc.Recommendations),
		"model_version":    w.cfg.Model,
	}, "", ""
}

func (w *Worker) dataURI(ctx context.Context, ref string) (string, error) {
	rc, err := w.store.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// callModel sends the three images plus the prompt text as a single
// multimodal user turn. The network call is wrapped in a circuit
// breaker and a bounded retry the same way the OCR Worker wraps its Vision
// call: llm_rate_limited faults retry with backoff, but llm_refused
// (a content-policy refusal) is terminal and must not be retried.
func (w *Worker) callModel(ctx context.Context, system, user, baselineURI, revisedURI, overlayURI string) (string, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(user),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: baselineURI}),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: revisedURI}),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: overlayURI}),
	}

	var content string
	op := func() error {
		v, err := w.breaker.Execute(func() (interface{}, error) {
			resp, err := w.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
				Model: w.cfg.Model,
				Messages: []openai.ChatCompletionMessageParamUnion{
					openai.SystemMessage(system),
					openai.UserMessage(parts),
				},
			})
			if err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("llm returned no choices")
			}
			text := strings.TrimSpace(resp.Choices[0].Message.Content)
			if text == "" {
				return "", fmt.Errorf("llm returned empty content")
			}
			return text, nil
		})
		if err != nil {
			return err
		}
		content = v.(string)
		return nil
	}

	err := retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(w.cfg.RetryAttempts),
		retry.Delay(w.cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			kind := classifyLLMError(err)
			return kind == domain.ErrorKindLLMRateLimited || kind == domain.ErrorKindExtractorUnavail
		}),
	)
	if err != nil {
		return "", err
	}
	return content, nil
}

func (w *Worker) parseAndValidate(raw string) (json.RawMessage, error) {
	candidate := stripCodeFences(raw)

	var doc any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		return nil, fmt.Errorf("parse structured output: %w", err)
	}
	if err := w.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("structured output does not match schema: %w", err)
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize structured output: %w", err)
	}
	return normalized, nil
}

func stripCodeFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) < 2 {
		return content
	}
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func repairPrompt(lastOutput string, issue error) string {
	return fmt.Sprintf(`Return ONLY valid JSON (no markdown, no commentary) that strictly conforms to the change-summary schema.

Your previous output:
%s

Validation issue:
%v`, lastOutput, issue)
}

// classifyLLMError maps a raw client error to the closed error-kind taxonomy
//. Anything not recognizably a rate limit or a content-policy refusal
// falls back to extractor_unavailable rather than llm_rate_limited: the
// latter's attempts never count against the cap, so defaulting to it
// would let a persistent auth/network failure retry forever instead of
// exhausting its bounded attempt count.
func classifyLLMError(err error) domain.ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return domain.ErrorKindLLMRateLimited
	case strings.Contains(msg, "content") && (strings.Contains(msg, "filter") || strings.Contains(msg, "refus")):
		return domain.ErrorKindLLMRefused
	default:
		return domain.ErrorKindExtractorUnavail
	}
}

func summarySystemPrompt() string {
	return "You are an expert construction-documents reviewer comparing two versions of the same architectural/engineering drawing sheet. " +
		"You are given the baseline page, the revised page, and a color overlay (red=removed, green=added, gray=unchanged). " +
		"Identify concrete, actionable changes a project manager needs to know about."
}

func summaryUserPrompt(drawingName string) string {
	return fmt.Sprintf("Drawing sheet %q. Compare baseline vs revised using the overlay as a guide. "+
		"Respond with JSON only, matching the required schema exactly.", drawingName)
}

func renderFreeText(overall, critical, recs string) string {
	var b strings.Builder
	b.WriteString(overall)
	if critical != "" {
		b.WriteString("\n\nCritical: ")
		b.WriteString(critical)
	}
	if recs != "" {
		b.WriteString("\n\nRecommendations: ")
		b.WriteString(recs)
	}
	return b.String()
}

func (w *Worker) publishCompletion(ctx context.Context, env busx.Envelope, payload busx.CompletionPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("summary worker: encode completion: %w", err)
	}
	out := busx.Envelope{
		Version:    busx.EnvelopeVersion,
		MessageID:  env.MessageID,
		PageTaskID: env.PageTaskID,
		JobID:      env.JobID,
		Kind:       env.Kind,
		Payload:    body,
	}
	return w.bus.Publish(ctx, busx.SubjectCompletion, out)
}
