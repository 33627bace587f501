// Package step contains the core types of a provisioning sequence.
//
// A Step is a named action tagged with a Policy (fatal or best-effort) and an
// optional precondition. Running a sequence produces a Report holding one
// Outcome per step, and a fatal failure surfaces as a *HaltError.
package step
