// Package schedule runs prompts on cron schedules. Every firing creates a scheduled session and
// queues a reply behind interactive ones on the shared agent.
package schedule
