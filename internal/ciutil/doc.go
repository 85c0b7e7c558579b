// Package ciutil locates the external services used by integration tests
// and decides whether a test without them is skipped or failed.
package ciutil
