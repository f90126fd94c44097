// Package secrets redacts credentials from captured stage tool output using
// the gitleaks rule set before the output reaches disk.
package secrets
