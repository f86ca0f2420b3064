package recordings

import "soundfleet/pkg/models"

// HasCompletedRun reports whether the recording already has a successful
// run for the given analysis config. Failed runs do not count; the
// recording stays eligible for a retry dispatch.
func HasCompletedRun(rec *models.Recording, configID string) bool {
	if rec == nil {
		return false
	}
	for _, run := range rec.Analysis.Runs {
		if run.Context.AnalysisConfigID != configID {
			continue
		}
		if run.CompletedAt != nil && run.ErrorMessage == nil {
			return true
		}
	}
	return false
}
