// Package agent contains the conversation loop controller: the bounded
// request/tool-call/response cycle against a language model, with a
// consecutive tool-error circuit breaker and a single fallback-model retry. It
// also hosts the context assembler that turns persona, skills, semantic recall,
// history and the inbound turn into the model-facing message sequence, and the
// injectable runtime configuration operators adjust between runs.
package agent
