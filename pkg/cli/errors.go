package cli

import (
	"errors"
	"fmt"

	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/pipeline"
)

// Exit statuses returned by ExitCode.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitConfig = 2
)

// ConfigError represents an invalid flag or configuration value given on
// the command line.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
}

// CommandError represents an error from a command execution.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// NewCommandError creates a new CommandError.
func NewCommandError(command string, err error) *CommandError {
	return &CommandError{
		Command: command,
		Err:     err,
	}
}

// ExitCode returns the process exit status for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		cfgErr     *ConfigError
		validation config.ValidationError
		bindErr    *pipeline.BindError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &validation), errors.As(err, &bindErr):
		return ExitConfig
	default:
		return ExitError
	}
}
