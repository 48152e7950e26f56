// Package kpath provides a semantic capability-discovery service.
//
// Given a natural-language prompt, KPATH returns a ranked list of
// registered internal services (agents and their tools) whose
// descriptions most closely match the prompt's meaning, filtered by
// the requesting principal's access rights. KPATH performs discovery
// only: it never invokes the tools it returns.
//
// # Quick Start
//
// Install kpath:
//
//	go install github.com/Uncle-Enzo/kpath-enterprise-sub002/cmd/kpath@latest
//
// Create a configuration:
//
//	database:
//	  driver: postgres
//	  host: localhost
//	  database: kpath
//
//	embedding:
//	  provider: ollama
//	  model: nomic-embed-text
//	  dimension: 768
//
//	index:
//	  kind: exact
//	  snapshot_dir: .kpath/snapshots
//
// Start the server:
//
//	kpath serve --config kpath.yaml
//
// Then query it:
//
//	curl -H "X-API-Key: $KEY" \
//	  "http://localhost:8080/api/v1/search/search?query=schedule+a+meeting"
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/search"
//	    "github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex"
//	    "github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
//	)
//
// # Architecture
//
// The query path runs: prompt → embedder → vector index (ANN recall
// with over-fetch) → registry hydration → metadata filter → policy
// filter → feedback-informed rerank → ranked results. The write path
// runs: registry mutation → change stream → index manager → embedder
// → vector index, with generation-based snapshots for restart.
//
// Engines: an exact cosine index for small deployments, IVF and HNSW
// for larger ones, plus pluggable remote backends (Qdrant,
// chromem-go).
//
// # Alpha Status
//
// KPATH is in alpha development. APIs may change, and some features
// are experimental.
//
// # License
//
// AGPL-3.0, as declared by the SPDX header in each source file.
package kpath
