// Package exports produces deterministic export jobs and their artifacts.
// An export is fully identified by its inputs: repeating a request converges
// on the same job, the same manifest bytes and the same object key.
package exports

import (
	"fmt"
	"time"

	"github.com/alcast-labs/alcast-go/internal/canonical"
	"github.com/alcast-labs/alcast-go/internal/domain"
)

// ManifestSchemaVersion pins the export request/manifest layout.
const ManifestSchemaVersion = 1

// ComputeExportIDAndHash derives the export's identity from its complete
// input set. The export id is a short, stable prefix of the inputs hash.
func ComputeExportIDAndHash(exportType string, asOf time.Time, filters domain.ScopeFilters) (string, string, error) {
	payload := map[string]any{
		"schema_version": ManifestSchemaVersion,
		"export_type":    exportType,
		"as_of":          asOf.UTC().Format(time.RFC3339),
		"filters":        map[string]any(filters),
	}
	hash, err := canonical.HashHex(payload)
	if err != nil {
		return "", "", fmt.Errorf("compute export hash: %w", err)
	}
	return "exp_" + hash[:32], hash, nil
}

// Manifest describes one export artifact. It is deterministic: the
// generation timestamp is the snapshot cutoff, never the wall clock, so two
// builds of the same export are byte-identical.
type Manifest struct {
	SchemaVersion int                  `json:"schema_version"`
	ExportID      string               `json:"export_id"`
	InputsHash    string               `json:"inputs_hash"`
	ExportType    string               `json:"export_type"`
	AsOf          string               `json:"as_of"`
	GeneratedAt   string               `json:"generated_at"`
	Filters       domain.ScopeFilters  `json:"filters"`
	Counts        map[string]int       `json:"counts"`
	Versions      map[string]any       `json:"versions"`
}

// BuildManifest assembles the manifest for an export.
func BuildManifest(exportType string, asOf time.Time, filters domain.ScopeFilters, counts map[string]int, buildVersion string) (Manifest, error) {
	exportID, inputsHash, err := ComputeExportIDAndHash(exportType, asOf, filters)
	if err != nil {
		return Manifest{}, err
	}
	if filters == nil {
		filters = domain.ScopeFilters{}
	}
	if counts == nil {
		counts = map[string]int{}
	}
	cutoff := asOf.UTC().Format(time.RFC3339)
	return Manifest{
		SchemaVersion: ManifestSchemaVersion,
		ExportID:      exportID,
		InputsHash:    inputsHash,
		ExportType:    exportType,
		AsOf:          cutoff,
		GeneratedAt:   cutoff,
		Filters:       filters,
		Counts:        counts,
		Versions: map[string]any{
			"build_version":         buildVersion,
			"export_schema_version": ManifestSchemaVersion,
		},
	}, nil
}
