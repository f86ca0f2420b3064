package pipeline

import "soundfleet/pkg/models"

// Summarize rolls per-segment predictions into a run summary by majority
// vote. A tie between the leading labels yields "uncertain"; an empty
// prediction set yields "unknown".
func Summarize(predictions []Prediction, method string) models.RunSummary {
	summary := models.RunSummary{
		TotalSegments: len(predictions),
		Method:        method,
	}

	if len(predictions) == 0 {
		summary.FinalPrediction = LabelUnknown
		return summary
	}

	var confidenceSum float64
	for _, p := range predictions {
		confidenceSum += p.Confidence
		switch p.Label {
		case LabelNormal:
			summary.NormalCount++
		case LabelAbnormal:
			summary.AbnormalCount++
		default:
			summary.UnknownCount++
		}
	}
	summary.AverageConfidence = confidenceSum / float64(len(predictions))

	counts := map[string]int{
		LabelNormal:   summary.NormalCount,
		LabelAbnormal: summary.AbnormalCount,
		LabelUnknown:  summary.UnknownCount,
	}

	best, bestCount, tied := "", -1, false
	for _, label := range []string{LabelNormal, LabelAbnormal, LabelUnknown} {
		switch {
		case counts[label] > bestCount:
			best, bestCount, tied = label, counts[label], false
		case counts[label] == bestCount:
			tied = true
		}
	}

	if tied {
		summary.FinalPrediction = LabelUncertain
	} else {
		summary.FinalPrediction = best
	}
	return summary
}
