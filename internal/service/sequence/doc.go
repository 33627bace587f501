// Package sequence runs an ordered list of steps, applying each step's
// policy: fatal failures halt the run, best-effort failures are recorded
// and ignored, and a step may stop the run early with success.
package sequence
