// Package model defines shared data types used across proctor-stream.
//
// Conventions:
//   - Prediction ids are opaque strings assigned by the classification service
//   - Timestamps are time.Time locally, RFC 3339 on the wire
//   - Raw event payloads are kept as json.RawMessage and passed through unmodified
package model
