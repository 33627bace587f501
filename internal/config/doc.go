// Package config defines the declarative provisioning plan and helpers to
// load, validate and save it as YAML or TOML.
//
// Default returns the plan the tool runs when no file is given: camera via
// raspi-config, Python 3.9 pinned under /usr/bin, the Coral apt repository,
// the EdgeTPU package set, the AIY Maker Kit SDK and its model scripts.
package config
