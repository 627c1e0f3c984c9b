// Package scheduler runs the proactive cron jobs: the morning briefing, the
// evening recap and the hourly heartbeat. Replies that look like internal
// errors, and silent heartbeats, are never pushed.
package scheduler
