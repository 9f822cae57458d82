package scheduler

// Package scheduler hosts in-app cron triggers: the daily quota reset
// and any jobs plugins register. Schedules are cron expressions,
// intervals, or HH:MM wall-clock times.
