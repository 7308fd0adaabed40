// Package api provides a REST client for the classification service.
//
// The client covers the small HTTP surface next to the WebSocket session:
// submitting prediction jobs, fetching the state of a single prediction, and
// reading the service status. Prediction fetches deliberately do not retry;
// the caller owns the polling cadence.
package api
