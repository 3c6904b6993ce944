// Package apperrors declares the error kinds raised across component
// boundaries, per the propagation policy: components retry transient
// faults internally and raise permanent ones as one of these sentinels.
package apperrors

import "errors"

var (
	// ErrConfiguration marks a missing or malformed endpoint descriptor. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrSchemaMismatch marks a source column missing or renamed versus the cached dump.
	// Fatal for the affected work unit; other units proceed.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrSourceUnavailable marks a source network/auth/transient failure surviving
	// all retry attempts. The work unit transitions to FAILED.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrTargetUnavailable marks the same condition on the target.
	ErrTargetUnavailable = errors.New("target unavailable")

	// ErrSourceIntegrity marks source rows violating a replica primary/unique
	// constraint during insert. Never masked.
	ErrSourceIntegrity = errors.New("source integrity violation")

	// ErrWorkUnitBusy marks that another run already owns this (table, window).
	ErrWorkUnitBusy = errors.New("work unit busy")

	// ErrCancelled marks a cooperative cancellation observed between batches.
	ErrCancelled = errors.New("cancelled")

	// ErrUnknownTable marks a catalog lookup for a table absent from the schema dump.
	ErrUnknownTable = errors.New("unknown table")
)
