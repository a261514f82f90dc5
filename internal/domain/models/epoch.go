package models

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultValidityDays is how long one trained model stays valid for inference.
const DefaultValidityDays = 5

// ErrNotEnoughHistory means the recorder is younger than one full epoch, so
// no model can exist for the upload yet. Policy, not a failure: callers
// should stop retrying the item for this analysis.
var ErrNotEnoughHistory = errors.New("not enough upload history for an epoch model")

// Epoch describes one fixed-length training window and the model that covers
// it. Purely derived from recorder creation time and the upload time; the
// same inputs always produce the same descriptor, which is what routes every
// upload inside one inference-valid block to the same model record.
type Epoch struct {
	ID       string
	Project  string
	Recorder string

	// Uploads inside [SourceStart, SourceEnd] trained the model.
	SourceStart time.Time
	SourceEnd   time.Time

	// Uploads inside [InferenceValidStart, InferenceValidEnd] are scored
	// against it.
	InferenceValidStart time.Time
	InferenceValidEnd   time.Time

	Filename   string
	StorageKey string
}

// ResolveEpoch maps an upload to its epoch. Epochs are back-to-back
// validityDays blocks counted from recorder creation; block k trains on days
// [k*V, (k+1)*V-1] and serves inference for the next block. Windows clamp to
// whole UTC days.
func ResolveEpoch(project, recorder string, recorderCreatedAt, uploadedAt time.Time, validityDays int) (Epoch, error) {
	if validityDays <= 0 {
		validityDays = DefaultValidityDays
	}

	days := int(uploadedAt.Sub(recorderCreatedAt) / (24 * time.Hour))
	if days < validityDays {
		return Epoch{}, ErrNotEnoughHistory
	}

	// most recent multiple of validityDays before the upload, minus one day
	boundary := recorderCreatedAt.AddDate(0, 0, days-days%validityDays-1).UTC()

	srcStart := dayStart(boundary.AddDate(0, 0, -(validityDays - 1)))
	srcEnd := dayEnd(boundary)
	validStart := dayStart(boundary.AddDate(0, 0, 1))
	validEnd := dayEnd(boundary.AddDate(0, 0, validityDays))

	filename := fmt.Sprintf("%s_%s_%s_gmm_model.bin",
		recorder, srcStart.Format("06-01-02"), srcEnd.Format("06-01-02"))

	sum := md5.Sum([]byte(project + "_" + filename))

	return Epoch{
		ID:                  hex.EncodeToString(sum[:]),
		Project:             project,
		Recorder:            recorder,
		SourceStart:         srcStart,
		SourceEnd:           srcEnd,
		InferenceValidStart: validStart,
		InferenceValidEnd:   validEnd,
		Filename:            filename,
		StorageKey:          fmt.Sprintf("artifacts/gmm/%s/%s/%s", project, recorder, filename),
	}, nil
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dayEnd(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}
