// Package version exposes build metadata for coral-setup.
//
// Version, Commit and BuildTime are injected with -ldflags; when they are
// left at their defaults the module build info recorded by the Go toolchain
// is used instead.
package version
