// Package llm defines the provider-neutral message, tool and response types used
// by the conversation loop, together with the pure route selection that maps a
// requested model and the available credentials onto a concrete provider.
// Provider adapters live in the openai and anthropic sub-packages.
package llm
