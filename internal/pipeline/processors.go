package pipeline

import "context"

// Segment is one slice of the captured audio
type Segment struct {
	Index   int    `json:"index"`
	StartMS int64  `json:"start_ms"`
	EndMS   int64  `json:"end_ms"`
	Samples []byte `json:"-"`
}

// ConversionResult is the output of the format conversion step
type ConversionResult struct {
	Audio    []byte
	Format   string
	Metadata map[string]interface{}
}

// Prediction labels
const (
	LabelNormal    = "normal"
	LabelAbnormal  = "abnormal"
	LabelUnknown   = "unknown"
	LabelUncertain = "uncertain"
)

// Prediction is one segment's classification
type Prediction struct {
	SegmentIndex int     `json:"segment_index"`
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
}

// Converter normalizes captured audio into the pipeline's working format
type Converter interface {
	NeedsConversion(filename string) bool
	Convert(ctx context.Context, data []byte, filename string) (*ConversionResult, error)
}

// Slicer cuts audio into fixed analysis windows
type Slicer interface {
	Slice(ctx context.Context, audio []byte, params map[string]interface{}) ([]Segment, map[string]interface{}, error)
}

// FeatureExtractor computes per-segment feature vectors
type FeatureExtractor interface {
	Extract(ctx context.Context, segments []Segment, params map[string]interface{}) ([][]float64, map[string]interface{}, error)
}

// Classifier labels per-segment feature vectors
type Classifier interface {
	Classify(ctx context.Context, features [][]float64, params map[string]interface{}) ([]Prediction, map[string]interface{}, error)
}

// Processors bundles the four step implementations
type Processors struct {
	Converter  Converter
	Slicer     Slicer
	Extractor  FeatureExtractor
	Classifier Classifier
}
