// Package glassdb holds the types shared by every layer of the database: the
// versioned Backend contract, the commit lock client, options, stats, error
// codes and the small runtime helpers (retry, sleep, task runner, background
// scheduler).
//
// A database is opened with database.Open over any Backend implementation.
// backend/memory serves tests and embedded use, backend/s3 and
// backend/cassandra persist to real stores.
package glassdb

// Concurrency model
//
// Transactions run optimistically. Reads are recorded with the version they
// observed and validated at commit time. Commit takes a short lived lock on
// every written key (in ascending key order), re-validates the reads under
// the locks, reserves a commit version and issues one conditional multi-key
// write to the backend. A failed validation or conditional write surfaces as
// ErrRetry and the whole transaction body runs again.
//
// Superseded versions are reclaimed in the background once no active
// transaction can still read them.
