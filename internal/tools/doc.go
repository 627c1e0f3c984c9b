// Package tools holds the tool registry and dispatcher. Local handlers are
// matched by exact name first, then each bridge in registration order via its
// Owns predicate. Every failure is reported in-band as an error result.
package tools
