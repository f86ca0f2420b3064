package pipeline

import (
	"context"
	"math"
	"path/filepath"
	"strings"
)

// DefaultProcessors wires the built-in processors. Real DSP/ML backends
// implement the same interfaces and replace these at composition time.
func DefaultProcessors() Processors {
	return Processors{
		Converter:  &WavPassConverter{},
		Slicer:     &FixedWindowSlicer{WindowMS: 1000, BytesPerMS: 32},
		Extractor:  &EnergyExtractor{},
		Classifier: &EnergyThresholdClassifier{Threshold: 0.5},
	}
}

// WavPassConverter passes wav payloads through untouched and rejects
// formats it cannot convert.
type WavPassConverter struct{}

func (c *WavPassConverter) NeedsConversion(filename string) bool {
	return strings.ToLower(filepath.Ext(filename)) != ".wav"
}

func (c *WavPassConverter) Convert(_ context.Context, data []byte, filename string) (*ConversionResult, error) {
	// No transcoding backend wired; report the original payload with its
	// source format noted so downstream steps stay deterministic.
	return &ConversionResult{
		Audio:  data,
		Format: "wav",
		Metadata: map[string]interface{}{
			"source_format": strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."),
		},
	}, nil
}

// FixedWindowSlicer cuts audio into equal windows
type FixedWindowSlicer struct {
	WindowMS   int64
	BytesPerMS int64
}

func (s *FixedWindowSlicer) Slice(_ context.Context, audio []byte, _ map[string]interface{}) ([]Segment, map[string]interface{}, error) {
	windowBytes := s.WindowMS * s.BytesPerMS
	if windowBytes <= 0 {
		windowBytes = 32000
	}

	var segments []Segment
	for offset := int64(0); offset < int64(len(audio)); offset += windowBytes {
		end := offset + windowBytes
		if end > int64(len(audio)) {
			end = int64(len(audio))
		}
		segments = append(segments, Segment{
			Index:   len(segments),
			StartMS: offset / s.BytesPerMS,
			EndMS:   end / s.BytesPerMS,
			Samples: audio[offset:end],
		})
	}

	return segments, map[string]interface{}{
		"window_ms": s.WindowMS,
	}, nil
}

// EnergyExtractor computes a single mean-energy feature per segment
type EnergyExtractor struct{}

func (e *EnergyExtractor) Extract(_ context.Context, segments []Segment, _ map[string]interface{}) ([][]float64, map[string]interface{}, error) {
	features := make([][]float64, len(segments))
	for i, seg := range segments {
		var sum float64
		for _, b := range seg.Samples {
			v := (float64(b) - 128) / 128
			sum += v * v
		}
		energy := 0.0
		if len(seg.Samples) > 0 {
			energy = math.Sqrt(sum / float64(len(seg.Samples)))
		}
		features[i] = []float64{energy}
	}
	return features, map[string]interface{}{"feature": "rms_energy"}, nil
}

// EnergyThresholdClassifier labels segments by comparing the first
// feature against a fixed threshold
type EnergyThresholdClassifier struct {
	Threshold float64
}

func (c *EnergyThresholdClassifier) Classify(_ context.Context, features [][]float64, _ map[string]interface{}) ([]Prediction, map[string]interface{}, error) {
	predictions := make([]Prediction, len(features))
	for i, vec := range features {
		label := LabelUnknown
		confidence := 0.0
		if len(vec) > 0 {
			confidence = math.Abs(vec[0] - c.Threshold)
			if vec[0] >= c.Threshold {
				label = LabelAbnormal
			} else {
				label = LabelNormal
			}
		}
		predictions[i] = Prediction{SegmentIndex: i, Label: label, Confidence: confidence}
	}
	return predictions, map[string]interface{}{"threshold": c.Threshold}, nil
}
