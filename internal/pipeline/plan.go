// Package pipeline orchestrates the daily finance pipeline: content-addressed
// run identity, forward-only state transitions, ordered step execution with
// fail-fast and resume, and idempotent timeline emission.
package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/alcast-labs/alcast-go/internal/canonical"
	"github.com/alcast-labs/alcast-go/internal/domain"
)

// SchemaVersion pins the hash payload layout. Changing the payload shape
// requires a new version, otherwise old and new hashes would collide.
const SchemaVersion = "finance.pipeline.daily.run.v1"

// NormalizeScopeFilters returns a copy with nil-valued entries removed.
// Empty and nil filter sets normalize to the same (empty) result so that
// semantically identical requests hash identically.
func NormalizeScopeFilters(filters domain.ScopeFilters) domain.ScopeFilters {
	out := domain.ScopeFilters{}
	for key, value := range filters {
		if value == nil {
			continue
		}
		out[key] = value
	}
	return out
}

// ComputeInputsHash derives the run's content address from its complete,
// normalized input set. The hash is independent of caller identity and
// wall-clock time.
func ComputeInputsHash(asOfDate time.Time, pipelineVersion string, filters domain.ScopeFilters, mode domain.Mode, emitExports bool) (string, error) {
	payload := map[string]any{
		"schema_version":   SchemaVersion,
		"pipeline_version": strings.TrimSpace(pipelineVersion),
		"as_of_date":       asOfDate.UTC().Format(time.DateOnly),
		"scope_filters":    map[string]any(NormalizeScopeFilters(filters)),
		"mode":             string(mode),
		"emit_exports":     emitExports,
	}
	hash, err := canonical.HashHex(payload)
	if err != nil {
		return "", fmt.Errorf("compute inputs hash: %w", err)
	}
	return hash, nil
}

// BuildPlan validates and normalizes a request into its canonical plan.
// Building a plan performs no writes.
func BuildPlan(asOfDate time.Time, pipelineVersion string, filters domain.ScopeFilters, mode domain.Mode, emitExports bool) (domain.PipelinePlan, error) {
	if asOfDate.IsZero() {
		return domain.PipelinePlan{}, domain.Invalid("as_of_date", "is required")
	}
	if strings.TrimSpace(pipelineVersion) == "" {
		return domain.PipelinePlan{}, domain.Invalid("pipeline_version", "is required")
	}
	if !mode.Valid() {
		return domain.PipelinePlan{}, domain.Invalid("mode", "must be materialize or dry_run")
	}
	normalized := NormalizeScopeFilters(filters)
	hash, err := ComputeInputsHash(asOfDate, pipelineVersion, normalized, mode, emitExports)
	if err != nil {
		return domain.PipelinePlan{}, err
	}
	return domain.PipelinePlan{
		AsOfDate:        asOfDate.UTC(),
		PipelineVersion: strings.TrimSpace(pipelineVersion),
		ScopeFilters:    normalized,
		Mode:            mode,
		EmitExports:     emitExports,
		InputsHash:      hash,
	}, nil
}
