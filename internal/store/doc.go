// Package store persists libraries, discovered files, and processing nodes
// in SQLite. It is the single source of truth for queue state; in-memory
// runner tracking lives in the runner package and is reconstructible from the
// file statuses kept here.
package store
