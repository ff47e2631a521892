// Package codemigrate provides a dependency-ordered, reversible migration
// engine for codebases with pluggable sources (manifest dir, in-code units),
// durable history tracking (SQLite/JSON file), and version-control-backed
// transactions so each migration is atomic against the working tree.
package codemigrate
