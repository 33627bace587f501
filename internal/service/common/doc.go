// Package common holds helpers shared by the provisioning services: actor
// detection for logs and reports, and the operator confirmation prompt.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
