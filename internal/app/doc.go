// Package app composes the marketplace service: it loads the ledger
// genesis, opens and replays the operation journal, builds the registry, and
// wires the event subscribers, invariant auditor and HTTP server under one
// lifecycle manager.
//
//	internal/app/
//	├── application.go   # wiring and lifecycle
//	└── system/          # ordered start/stop of long-running services
package app
