// Package job describes the periodic tasks the runtime can execute.
//
// A Definition binds a stable function id ("<name>-v<version>") to a body
// and the body's input type. The body shape is checked when the job is
// registered so a malformed job fails at startup rather than at dispatch:
//
//	func(ctx context.Context, jobID string, schedule string, input T) (*T, error)
//
// T must be a struct; it is stored as JSON between executions. Returning a
// non-nil *T schedules the next occurrence with that input, returning nil ends
// the series. Bump the version whenever T changes shape so rows written under
// the old shape are never decoded into the new one.
package job
