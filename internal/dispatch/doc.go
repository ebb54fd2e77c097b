// Package dispatch executes bulk outbound messaging jobs.
//
// A job sends one payload (text or media) to an ordered recipient list under
// a pacing policy that keeps the send rate below upstream abuse-detection
// thresholds. Recipients are processed strictly in input order, one at a
// time; there is deliberately no parallel fan-out within a job.
package dispatch
