// Package mcp bridges external Model Context Protocol tool servers into the
// tool registry. Each server is spawned as a child process through the
// mcp-go stdio client; its tools are exposed under the "<server>_" prefix.
package mcp
