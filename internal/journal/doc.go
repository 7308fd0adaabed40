// Package journal persists broadcast events to PostgreSQL.
//
// Events flow from a catch-all router subscription into an in-memory spool,
// then a background writer drains the spool and batch-inserts rows into the
// classification_events table. Inserts are idempotent on (session_id, seq),
// so replaying frames after a resume does not duplicate rows.
package journal
