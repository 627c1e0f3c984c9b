// Package pipeline implements the gated lead workflow. A lead is taken in,
// halts until a human supplies a target price, then runs comparable
// filtering, concurrent infographic rendering and copy drafting, and a
// deterministic fact check before it waits for operator approval.
//
// Intake events arrive over a Queue (memory, Redis or RabbitMQ) and are fed to
// the Engine by a Processor.
package pipeline
