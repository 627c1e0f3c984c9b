// Package memory implements the Memory Gateway: chronological and semantic
// recall of conversation turns over a pluggable Store. Store failures on the
// read path degrade to empty results; write failures are reported to the caller
// as PERSISTENCE_FAILURE so the conversation loop can log and continue.
package memory
