package domain

import "testing"

func TestJobStatus_Terminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobQueued:          false,
		JobRunning:         false,
		JobCancelling:      false,
		JobCompleted:       true,
		JobPartiallyFailed: true,
		JobFailed:          true,
		JobCancelled:       true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("JobStatus(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStageStatus_Terminal(t *testing.T) {
	terminal := map[StageStatus]bool{
		StagePending:            false,
		StageRunning:            false,
		StageCompleted:          true,
		StagePartiallyCompleted: true,
		StageFailed:             true,
		StageSkipped:            true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("StageStatus(%q).Terminal() = %v, want %v", status, got, want)
		}
	}
}
