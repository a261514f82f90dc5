// Package gmm shells out to the external Gaussian-mixture tooling. Fitting
// and scoring are opaque to the coordinator: the fit tool consumes a
// directory of feature artifacts and writes a model file (threshold
// calibration included), the score tool prints scored spans as JSON.
package gmm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	domain "github.com/tkuiper/audiofleet/internal/domain/audio"
)

type Runner struct {
	fitCommand   string
	scoreCommand string
	fitTimeout   time.Duration
	log          *slog.Logger
}

func NewRunner(fitCommand, scoreCommand string, fitTimeout time.Duration) *Runner {
	return &Runner{
		fitCommand:   fitCommand,
		scoreCommand: scoreCommand,
		fitTimeout:   fitTimeout,
		log:          slog.With("service", "gmm"),
	}
}

// Fit trains a model over every feature file under featuresDir and writes
// it to modelPath.
func (r *Runner) Fit(ctx context.Context, featuresDir, modelPath string) error {
	if r.fitCommand == "" {
		return fmt.Errorf("no fit command configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.fitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, r.fitCommand,
		"--features-dir", featuresDir,
		"--out", modelPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("fit failed: %w, output=%s", err, truncate(out))
	}

	r.log.Info("fit completed", "model", modelPath, "duration", time.Since(start))
	return nil
}

// Score runs the model against one feature artifact and returns the spans
// whose score crossed the model's threshold.
func (r *Runner) Score(ctx context.Context, modelPath, featuresPath string) ([]domain.ScoreSpan, error) {
	if r.scoreCommand == "" {
		return nil, fmt.Errorf("no score command configured")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.scoreCommand,
		"--model", modelPath,
		"--features", featuresPath,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("score failed: %w, output=%s", err, truncate(stderr.Bytes()))
	}

	var spans []domain.ScoreSpan
	if err := json.Unmarshal(stdout.Bytes(), &spans); err != nil {
		return nil, fmt.Errorf("decoding score output: %w", err)
	}
	return spans, nil
}

func truncate(out []byte) string {
	const max = 2048
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return string(out)
}
