// Package report persists provisioning run reports.
//
// The FileRepository stores and loads a step.Report as YAML on disk so an
// operator can inspect what the last run did after the terminal is gone.
package report
