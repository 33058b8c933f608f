package domain

import "fmt"

// ConfigError means the strategy could not be constructed: invalid stop
// distance, malformed DCA spec, bad symbol. Fatal before the loop starts.
type ConfigError struct {
	msg string
}

func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string { return "config: " + e.msg }

// LockHeldError means another live instance owns (symbol, trade type).
type LockHeldError struct {
	Lock *InstanceLock
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("instance lock held: %s", e.Lock)
}

// NetworkError wraps a transient broker call failure. Non-fatal: the tick
// absorbs it and the condition is retried on the next tick.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("broker %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// OrderRejectedError is an explicit broker rejection (e.g. insufficient
// funds). Terminal for the attempt, never retried with the same token.
type OrderRejectedError struct {
	Reason string
}

func (e *OrderRejectedError) Error() string { return "order rejected: " + e.Reason }

// PersistenceError wraps a durable-store failure. Fatal: the engine halts
// rather than act again on unconfirmed state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
