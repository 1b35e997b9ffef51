package bus

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDLQSubject_NamesOnePerSubscription(t *testing.T) {
	require.Equal(t, "buildtrace.dlq.ocr-worker.buildtrace.tasks.ocr",
		dlqSubject(SubjectOCRTask, "ocr-worker"))
	require.NotEqual(t,
		dlqSubject(SubjectOCRTask, "ocr-worker"),
		dlqSubject(SubjectOCRTask, "some-other-queue"),
		"two subscriptions on the same subject must not share a dead-letter subject")
}

func TestNATSConfig_WithDefaults_SetsMaxDeliver(t *testing.T) {
	cfg := NATSConfig{}.withDefaults()
	require.Greater(t, cfg.MaxDeliver, 0)
	require.Greater(t, cfg.AckWait.Seconds(), 0.0)
}

func TestDeadLetter_RoundTripsEnvelope(t *testing.T) {
	env := Envelope{
		Version:    EnvelopeVersion,
		MessageID:  uuid.New(),
		PageTaskID: uuid.New(),
		JobID:      uuid.New(),
		Kind:       KindDiff,
	}
	dl := DeadLetter{
		Subject:      SubjectDiffTask,
		Queue:        "diff-worker",
		NumDelivered: 8,
		LastError:    "alignment_failed: too few features",
		Envelope:     env,
	}

	data, err := json.Marshal(dl)
	require.NoError(t, err)

	var decoded DeadLetter
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, dl.Subject, decoded.Subject)
	require.Equal(t, dl.Queue, decoded.Queue)
	require.Equal(t, dl.NumDelivered, decoded.NumDelivered)
	require.Equal(t, dl.Envelope.MessageID, decoded.Envelope.MessageID)
}
