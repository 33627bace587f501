// Package system runs external commands and mutates host files on behalf
// of provisioning steps.
//
// Commands marked Privileged are prefixed with sudo unless the process
// already runs as root. Files writes and symlinks are done natively when the
// target directory is writable and fall back to privileged install/ln
// otherwise.
package system
