package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(id string, start, end, conf float64) Detection {
	return Detection{
		ID:         id,
		Start:      start,
		End:        end,
		Confidence: conf,
		Tags:       []string{},
		AnalysisID: "anomaly-detection",
	}
}

func TestMergeDetectionsRerunOverlays(t *testing.T) {
	existing := []Detection{det("a1", 1, 2, 0.5)}
	rerun := []Detection{det("a1", 1, 2, 0.9), det("b2", 5, 6, 0.7)}

	merged := MergeDetections(existing, rerun)

	require.Len(t, merged, 2)
	assert.Equal(t, "a1", merged[0].ID)
	assert.Equal(t, 0.9, merged[0].Confidence)
	assert.Equal(t, "b2", merged[1].ID)
	assert.Equal(t, 5.0, merged[1].Start)
}

func TestMergeDetectionsIdempotent(t *testing.T) {
	incoming := []Detection{det("a1", 1, 2, 0.5), det("b2", 5, 6, 0.7)}

	once := MergeDetections(nil, incoming)
	twice := MergeDetections(once, incoming)

	assert.Equal(t, once, twice)
	assert.Len(t, twice, 2)
}

func TestMergeDetectionsPreservesForeignAnalyses(t *testing.T) {
	other := det("c9", 10, 11, 0.3)
	other.AnalysisID = "birdnet"

	merged := MergeDetections([]Detection{other}, []Detection{det("a1", 1, 2, 0.5)})

	require.Len(t, merged, 2)
	assert.Equal(t, "c9", merged[0].ID)
	assert.Equal(t, "birdnet", merged[0].AnalysisID)
}

func TestMergeDetectionsOverlayKeepsOldEnrichment(t *testing.T) {
	old := det("a1", 1, 2, 0.5)
	old.Tags = []string{"reviewed"}
	old.URI = "gs://bucket/clips/a1.mp3"

	rerun := det("a1", 1, 2, 0.9)

	merged := MergeDetections([]Detection{old}, []Detection{rerun})

	require.Len(t, merged, 1)
	assert.Equal(t, 0.9, merged[0].Confidence)
	assert.Equal(t, []string{"reviewed"}, merged[0].Tags)
	assert.Equal(t, "gs://bucket/clips/a1.mp3", merged[0].URI)
}

func TestMergeAnalyses(t *testing.T) {
	performed, dup := MergeAnalyses([]string{"vggish"}, "anomaly-detection")
	assert.False(t, dup)
	assert.Equal(t, []string{"vggish", "anomaly-detection"}, performed)

	again, dup := MergeAnalyses(performed, "anomaly-detection")
	assert.True(t, dup)
	assert.Equal(t, performed, again)
}

func TestNewDetectionIDStable(t *testing.T) {
	a := NewDetectionID("anomaly-detection", 1.92, 3.84)
	b := NewDetectionID("anomaly-detection", 1.92, 3.84)
	assert.Equal(t, a, b)
	assert.Len(t, a, 6)

	assert.NotEqual(t, a, NewDetectionID("anomaly-detection", 1.92, 4.8))
	assert.NotEqual(t, a, NewDetectionID("birdnet", 1.92, 3.84))
}

func TestBuildDetections(t *testing.T) {
	spans := []ScoreSpan{{Start: 0.96, End: 2.88, Confidence: 12.4, Threshold: 11.0}}

	dets := BuildDetections("anomaly-detection", spans)

	require.Len(t, dets, 1)
	assert.Equal(t, NewDetectionID("anomaly-detection", 0.96, 2.88), dets[0].ID)
	assert.Equal(t, "anomaly-detection", dets[0].AnalysisID)
	assert.NotNil(t, dets[0].Tags)
}
