package metrics

import "time"

// GenerationSubmitted records a job accepted by a provider.
func GenerationSubmitted(generationType string) {
	New(Namespace).
		Dimension("GenerationType", generationType).
		Count("GenerationSubmitted").
		Flush()
}

// SubmissionFailed records a job rejected by a provider at create time.
func SubmissionFailed(generationType string) {
	New(Namespace).
		Dimension("GenerationType", generationType).
		Count("SubmissionFailed").
		Flush()
}

// PollFailed records a transient provider poll error.
func PollFailed(generationType string) {
	New(Namespace).
		Dimension("GenerationType", generationType).
		Count("ProviderPollError").
		Flush()
}

// GenerationFinished records a terminal transition and the time from
// creation to that transition.
func GenerationFinished(generationType, status string, elapsed time.Duration, generationID string) {
	New(Namespace).
		Dimension("GenerationType", generationType).
		Dimension("Status", status).
		Count("GenerationFinished").
		Metric("GenerationDurationSeconds", elapsed.Seconds(), UnitSeconds).
		Property("generationId", generationID).
		Flush()
}

// SweepFinished records one stale-generation sweep run.
func SweepFinished(checked, completed, failed, errs int, elapsed time.Duration) {
	New(Namespace).
		Dimension("Operation", "Sweep").
		Metric("SweepChecked", float64(checked), UnitCount).
		Metric("SweepCompleted", float64(completed), UnitCount).
		Metric("SweepFailed", float64(failed), UnitCount).
		Metric("SweepErrors", float64(errs), UnitCount).
		Metric("SweepDurationMs", float64(elapsed.Milliseconds()), UnitMilliseconds).
		Flush()
}
