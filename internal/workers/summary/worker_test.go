package summary

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/buildtrace/core/internal/domain"
	"github.com/buildtrace/core/internal/platform/logger"
)

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain json unchanged", `{"a":1}`, `{"a":1}`},
		{"fenced with language tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced without language tag", "```\n{\"a\":1}\n```", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, stripCodeFences(tc.in))
		})
	}
}

func TestClassifyLLMError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"rate limit message", errors.New("429 rate limit exceeded"), domain.ErrorKindLLMRateLimited},
		{"content filter refusal", errors.New("content filter refused the request"), domain.ErrorKindLLMRefused},
		{"unrecognized failure falls back to retryable-with-cap", errors.New("connection reset by peer"), domain.ErrorKindExtractorUnavail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, classifyLLMError(tc.err))
		})
	}
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	w, err := New(nil, nil, "test-key", log, DefaultConfig())
	require.NoError(t, err)
	return w
}

func TestParseAndValidate_AcceptsWellFormedOutput(t *testing.T) {
	w := newTestWorker(t)
	raw := `{"overall_summary":"s","total_changes":1,"changes":[{"id":"1","title":"t","description":"d","change_type":"added"}]}`

	out, err := w.parseAndValidate(raw)
	require.NoError(t, err)
	require.Contains(t, string(out), "overall_summary")
}

func TestParseAndValidate_RejectsMissingRequiredField(t *testing.T) {
	w := newTestWorker(t)
	raw := `{"overall_summary":"s"}`

	_, err := w.parseAndValidate(raw)
	require.Error(t, err)
}

func TestParseAndValidate_RejectsInvalidChangeType(t *testing.T) {
	w := newTestWorker(t)
	raw := `{"overall_summary":"s","total_changes":1,"changes":[{"id":"1","title":"t","description":"d","change_type":"not_a_valid_type"}]}`

	_, err := w.parseAndValidate(raw)
	require.Error(t, err)
}

func TestParseAndValidate_StripsCodeFencesBeforeParsing(t *testing.T) {
	w := newTestWorker(t)
	raw := "```json\n{\"overall_summary\":\"s\",\"total_changes\":0,\"changes\":[]}\n```"

	_, err := w.parseAndValidate(raw)
	require.NoError(t, err)
}

func TestRenderFreeText(t *testing.T) {
	got := renderFreeText("overall", "critical thing", "do this")
	require.Contains(t, got, "overall")
	require.Contains(t, got, "Critical: critical thing")
	require.Contains(t, got, "Recommendations: do this")
}

func TestRenderFreeText_OmitsEmptySections(t *testing.T) {
	got := renderFreeText("overall only", "", "")
	require.Equal(t, "overall only", got)
}
