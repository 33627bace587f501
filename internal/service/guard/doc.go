// Package guard keeps provisioning exclusive: it refuses to start while a
// package manager process is running or another instance holds the marker.
package guard
