// Package storage persists audit records: finished dispatch jobs and session
// lifecycle transitions. It is optional; the registry itself is in-memory
// only and rebuilt empty on restart.
package storage
