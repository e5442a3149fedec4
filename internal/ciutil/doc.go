// Package ciutil detects CI environments and resolves the environment
// variables the integration suites read.
package ciutil
