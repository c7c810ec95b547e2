package job

import "fmt"

// ConfigError reports a job that cannot be registered or an input that does
// not match a job's declared input type.
type ConfigError struct {
	Job    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid job %s: %s", e.Job, e.Reason)
}

var _ error = (*ConfigError)(nil)

func configErrorf(job string, format string, args ...any) *ConfigError {
	return &ConfigError{Job: job, Reason: fmt.Sprintf(format, args...)}
}
