// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"time"
)

const (
	MetricsOpSend      = "send"
	MetricsOpReconcile = "reconcile"

	MetricsStageRemote   = "remote"
	MetricsStageResolve  = "resolve"
	MetricsStageApply    = "apply"
	MetricsStageSnapshot = "snapshot"
)

type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Count     int
	Attempt   int
	Error     bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageObserver reports stage timings to the configured recorder and/or log
type stageObserver struct {
	recorder StageMetricsRecorder
	log      bool
	logger   *slog.Logger
	now      func() time.Time
}

func (o *stageObserver) start() time.Time {
	if o == nil || (o.recorder == nil && !o.log) {
		return time.Time{}
	}
	return o.now()
}

func (o *stageObserver) observe(ctx context.Context, op, stage string, start time.Time, count, attempt int, hadError bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  o.now().Sub(start),
		Count:     count,
		Attempt:   attempt,
		Error:     hadError,
	}
	if o.recorder != nil {
		o.recorder.ObserveStage(ctx, timing)
	}
	if o.log {
		o.logger.Debug("Stage timing",
			"op", timing.Operation,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"attempt", timing.Attempt,
			"error", timing.Error,
		)
	}
}
