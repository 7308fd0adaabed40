// Package predict correlates "wait until prediction X finishes" calls with
// whichever source reports the outcome first.
//
// Three paths race for each outstanding wait:
//   - Event path: a prediction_completed or prediction_failed broadcast
//     carrying the matching id
//   - Poll path: a bounded fallback loop fetching the prediction over REST
//   - Timeout path: a per-wait timer
//
// Whichever path wins settles the wait exactly once; the losers observe the
// settlement and discard their own result. A second concurrent wait for the
// same id is rejected rather than silently replacing the first.
package predict
