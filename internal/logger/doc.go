// Package logger wraps zap with a process-wide sugared logger and
// context helpers (ToContext/FromContext/WithName/WithKV).
//
// Services pull their logger from the context so every line carries the
// service name and, inside the sequence runner, the current step.
package logger
