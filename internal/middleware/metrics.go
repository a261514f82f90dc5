package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      uint64
	RequestsInProgress uint64
	RequestsSuccess    uint64
	RequestsFailed     uint64
	AudioProcessed     uint64
	AudioDeferred      uint64
	AudioSkipped       uint64
	TrainingsTotal     uint64
	TrainingsFailed    uint64
	StartTime          time.Time
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

// IncrementRequests increments total request counter
func IncrementRequests() {
	atomic.AddUint64(&globalMetrics.RequestsTotal, 1)
}

// IncrementInProgress increments in-progress request counter
func IncrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, 1)
}

// DecrementInProgress decrements in-progress request counter
func DecrementInProgress() {
	atomic.AddUint64(&globalMetrics.RequestsInProgress, ^uint64(0))
}

// IncrementSuccess increments successful request counter
func IncrementSuccess() {
	atomic.AddUint64(&globalMetrics.RequestsSuccess, 1)
}

// IncrementFailed increments failed request counter
func IncrementFailed() {
	atomic.AddUint64(&globalMetrics.RequestsFailed, 1)
}

// IncrementAudioProcessed counts an upload scored and merged
func IncrementAudioProcessed() {
	atomic.AddUint64(&globalMetrics.AudioProcessed, 1)
}

// IncrementAudioDeferred counts an upload left for redelivery
func IncrementAudioDeferred() {
	atomic.AddUint64(&globalMetrics.AudioDeferred, 1)
}

// IncrementAudioSkipped counts an upload excluded by policy
func IncrementAudioSkipped() {
	atomic.AddUint64(&globalMetrics.AudioSkipped, 1)
}

// IncrementTrainings counts an accepted training job
func IncrementTrainings() {
	atomic.AddUint64(&globalMetrics.TrainingsTotal, 1)
}

// IncrementTrainingsFailed counts a training job that ended failed
func IncrementTrainingsFailed() {
	atomic.AddUint64(&globalMetrics.TrainingsFailed, 1)
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"requests_total":       atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_in_progress": atomic.LoadUint64(&globalMetrics.RequestsInProgress),
		"requests_success":     atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":      atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"audio_processed":      atomic.LoadUint64(&globalMetrics.AudioProcessed),
		"audio_deferred":       atomic.LoadUint64(&globalMetrics.AudioDeferred),
		"audio_skipped":        atomic.LoadUint64(&globalMetrics.AudioSkipped),
		"trainings_total":      atomic.LoadUint64(&globalMetrics.TrainingsTotal),
		"trainings_failed":     atomic.LoadUint64(&globalMetrics.TrainingsFailed),
		"uptime_seconds":       time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		IncrementRequests()
		IncrementInProgress()
		defer DecrementInProgress()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			IncrementSuccess()
		} else {
			IncrementFailed()
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GetMetrics())
}
