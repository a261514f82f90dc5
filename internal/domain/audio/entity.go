package audio

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"
)

// RecordID tipe untuk audio upload
type RecordID string

// Detection is one tagged finding inside an audio sample. The ID is derived
// from the time span and analysis, so re-running an analysis produces the
// same IDs and replaces rather than duplicates.
type Detection struct {
	ID         string   `json:"id"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Confidence float64  `json:"confidence,omitempty"`
	Threshold  float64  `json:"threshold,omitempty"`
	Tags       []string `json:"tags"`
	AnalysisID string   `json:"analysisId"`
	URI        string   `json:"uri,omitempty"`
}

// ScoreSpan is a raw scored window as produced by a scorer, before it is
// turned into a Detection.
type ScoreSpan struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// Aggregate Root: Record (one audio upload)
type Record struct {
	ID                RecordID    `json:"id"`
	Project           string      `json:"project"`
	Recorder          string      `json:"recorder"`
	Site              string      `json:"site,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UploadedAt        time.Time   `json:"uploaded_at"`
	URI               string      `json:"uri,omitempty"`
	AnalysesPerformed []string    `json:"analyses_performed"`
	Detections        []Detection `json:"detections"`
	HasDetections     bool        `json:"has_detections"`
}

// HasAnalysis reports whether the given analysis has already run on this record.
func (r *Record) HasAnalysis(analysisID string) bool {
	for _, a := range r.AnalysesPerformed {
		if a == analysisID {
			return true
		}
	}
	return false
}

// NewDetectionID derives the stable detection ID from the time span and the
// owning analysis. Only the first 6 hex chars are kept; within one record
// that is plenty.
func NewDetectionID(analysisID string, start, end float64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%v-%v-%s", start, end, analysisID)))
	return hex.EncodeToString(sum[:])[:6]
}

// BuildDetections converts raw score spans into detections for analysisID.
func BuildDetections(analysisID string, spans []ScoreSpan) []Detection {
	out := make([]Detection, 0, len(spans))
	for _, sp := range spans {
		out = append(out, Detection{
			ID:         NewDetectionID(analysisID, sp.Start, sp.End),
			Start:      sp.Start,
			End:        sp.End,
			Confidence: sp.Confidence,
			Threshold:  sp.Threshold,
			Tags:       []string{},
			AnalysisID: analysisID,
		})
	}
	return out
}
