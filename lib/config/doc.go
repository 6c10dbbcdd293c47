// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Caravel's configuration. Both binaries read one
// YAML file: the gateway uses the gateway section, the relay uses the
// relay section, and either ignores the other. The file is found via
// the CARAVEL_CONFIG environment variable or an explicit --config
// flag; with neither set, built-in defaults apply.
//
// The config file is the single source of truth. Environment variables
// never override individual values; the only environment-sensitive
// behavior is the development/staging/production override sections
// inside the file itself, selected by the top-level environment key.
//
// Enrichment lookup tables (static tags, severity map, service and
// hostname rules, geo hints) live in a separate JSONC file so
// operators can comment them, referenced from the pipeline section and
// parsed with ParseEnrichment.
package config
