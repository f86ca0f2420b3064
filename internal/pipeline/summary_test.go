package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeMajorityNormal(t *testing.T) {
	predictions := []Prediction{
		{Label: LabelNormal, Confidence: 0.9},
		{Label: LabelNormal, Confidence: 0.8},
		{Label: LabelAbnormal, Confidence: 0.7},
	}

	summary := Summarize(predictions, "leaf_v1")
	assert.Equal(t, LabelNormal, summary.FinalPrediction)
	assert.Equal(t, 3, summary.TotalSegments)
	assert.Equal(t, 2, summary.NormalCount)
	assert.Equal(t, 1, summary.AbnormalCount)
	assert.Equal(t, 0, summary.UnknownCount)
	assert.InDelta(t, 0.8, summary.AverageConfidence, 1e-9)
	assert.Equal(t, "leaf_v1", summary.Method)
}

func TestSummarizeTieIsUncertain(t *testing.T) {
	predictions := []Prediction{
		{Label: LabelNormal, Confidence: 0.5},
		{Label: LabelAbnormal, Confidence: 0.5},
	}

	summary := Summarize(predictions, "leaf_v1")
	assert.Equal(t, LabelUncertain, summary.FinalPrediction)
}

func TestSummarizeUnrecognizedLabelsCountUnknown(t *testing.T) {
	predictions := []Prediction{
		{Label: "weird", Confidence: 0.2},
		{Label: "weird", Confidence: 0.4},
		{Label: LabelNormal, Confidence: 0.9},
	}

	summary := Summarize(predictions, "leaf_v1")
	assert.Equal(t, LabelUnknown, summary.FinalPrediction)
	assert.Equal(t, 2, summary.UnknownCount)
}

func TestSummarizeEmpty(t *testing.T) {
	summary := Summarize(nil, "leaf_v1")
	assert.Equal(t, LabelUnknown, summary.FinalPrediction)
	assert.Equal(t, 0, summary.TotalSegments)
	assert.Equal(t, 0.0, summary.AverageConfidence)
}
