package recorders

import "time"

// Recorder is one deployed audio-upload device.
type Recorder struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Name      string    `json:"name,omitempty"`
	Site      string    `json:"site,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Disabled recorders still upload but their audio is not processed.
	Disabled bool `json:"disabled"`
}

// Processable reports whether audio from this recorder should be analysed.
// A recorder without a site assignment is not yet deployed for real.
func (r *Recorder) Processable() bool {
	return !r.Disabled && r.Site != ""
}
