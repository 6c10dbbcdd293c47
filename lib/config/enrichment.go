// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/caravel-telemetry/caravel/lib/pipeline"
)

// EnrichmentTables are the operator-maintained lookup tables behind
// the deterministic enrichment stage. They are authored as JSONC
// (JSON extended with // line comments, /* block comments */, and
// trailing commas) so the tables can carry their own annotations.
type EnrichmentTables struct {
	StaticTags    map[string]string       `json:"static_tags"`
	SeverityMap   map[string]int          `json:"severity_map"`
	ServiceRules  []pipeline.ServiceRule  `json:"service_rules"`
	HostnameRules []pipeline.HostnameRule `json:"hostname_rules"`
	GeoRules      []pipeline.GeoRule      `json:"geo_rules"`
}

// ParseEnrichment strips JSONC comments and trailing commas from data
// and unmarshals the result.
func ParseEnrichment(data []byte) (*EnrichmentTables, error) {
	stripped := jsonc.ToJSON(data)

	var tables EnrichmentTables
	if err := json.Unmarshal(stripped, &tables); err != nil {
		return nil, fmt.Errorf("parsing enrichment tables: %w", err)
	}
	return &tables, nil
}

// ReadEnrichmentFile reads a JSONC enrichment file from disk.
func ReadEnrichmentFile(path string) (*EnrichmentTables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	tables, err := ParseEnrichment(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tables, nil
}
