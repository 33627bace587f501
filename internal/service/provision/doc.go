// Package provision turns a configuration plan into the ordered provisioning
// sequence for a Coral EdgeTPU host and runs it.
//
// Each step is declared with a policy (fatal or best-effort) and, where it
// applies, a precondition. The sequence runner decides what a failure means;
// the steps here only report errors.
package provision
