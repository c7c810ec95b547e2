// Package schedule evaluates cron expressions.
//
// NextFire is the evaluator used by the job runtime: given a schedule and the
// nominal time of the previous occurrence it returns the next fire time in UTC.
// Expressions may carry a leading seconds field, and "@every <duration>" is
// accepted for fixed intervals. NextRunTimes previews upcoming occurrences.
package schedule
