// Package types defines the core data structures for the dispatch engine.
//
// This package contains all the fundamental types shared between master and
// minion processes, including:
//   - Wire message envelope and payloads
//   - Job records, statuses and reports
//   - Minion registration and liveness types
//   - Target specifications
//   - Event bus envelope and tag helpers
package types
