package audio

// MergeDetections folds newly computed detections into an existing list.
// Matching IDs are overlaid (new values win, fields the new run did not set
// are preserved), everything else is appended. The result is stable under
// re-application, which is what makes at-least-once redelivery safe.
func MergeDetections(existing, incoming []Detection) []Detection {
	merged := make([]Detection, 0, len(existing)+len(incoming))

	for _, old := range existing {
		if match, ok := findByID(incoming, old.ID); ok {
			merged = append(merged, overlay(old, match))
		} else {
			merged = append(merged, old)
		}
	}

	for _, in := range incoming {
		if _, ok := findByID(merged, in.ID); !ok {
			merged = append(merged, in)
		}
	}

	return merged
}

// MergeAnalyses unions analysisID into the performed set, reporting whether
// it was already there (a duplicate run).
func MergeAnalyses(performed []string, analysisID string) (out []string, duplicate bool) {
	for _, a := range performed {
		if a == analysisID {
			return performed, true
		}
	}
	return append(performed, analysisID), false
}

func findByID(list []Detection, id string) (Detection, bool) {
	for _, d := range list {
		if d.ID == id {
			return d, true
		}
	}
	return Detection{}, false
}

// overlay merges two detections with the same ID. Values a rerun always
// produces (span, confidence, threshold, analysis) come from the new one;
// user-supplied or enrichment fields fall back to the old record when the
// new run did not set them.
func overlay(old, latest Detection) Detection {
	out := latest
	if len(out.Tags) == 0 {
		out.Tags = old.Tags
	}
	if out.URI == "" {
		out.URI = old.URI
	}
	return out
}
