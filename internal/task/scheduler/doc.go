// Package scheduler owns every live trigger in the process.
//
// It has two halves:
//   - named cron entries (daily sweeps) driven by robfig/cron in the
//     configured timezone
//   - keyed one-shot timers (future schedules), the single source of truth
//     for "key -> timer handle"; the Service implements domain.JobRegistry
package scheduler
