// Package builtin provides the in-process tools: clock, allow-listed shell and
// file access, document and graph memory, the live canvas, web search, the
// headless browser, skill lookup, sub-agent delegation and mesh workflows.
package builtin
