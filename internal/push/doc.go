// Package push fans orchestration events out to connected observers. Events
// are scoped by conversation or lead id; an empty scope broadcasts.
package push
