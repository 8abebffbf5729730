package protocol

import "fmt"

// UnknownProtocolError is returned for a protocol type with no registration.
type UnknownProtocolError struct {
	Type string
}

func (e *UnknownProtocolError) Error() string {
	return fmt.Sprintf("unknown protocol type %q", e.Type)
}

// ConfigDisabledError is returned when starting a protocol whose config is disabled.
type ConfigDisabledError struct {
	ProtocolID int64
	Name       string
}

func (e *ConfigDisabledError) Error() string {
	return fmt.Sprintf("protocol %d (%s) is disabled", e.ProtocolID, e.Name)
}

type AlreadyRunningError struct {
	ProtocolID int64
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("protocol %d is already running", e.ProtocolID)
}

// PortConflictError names the running protocol that holds the requested port.
type PortConflictError struct {
	Port       int
	ProtocolID int64
	HolderID   int64
	HolderName string
	HolderType string
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %d requested by protocol %d is in use by protocol %d (%s, %s)",
		e.Port, e.ProtocolID, e.HolderID, e.HolderName, e.HolderType)
}

// ProtocolStartError wraps any failure while bringing a server up.
type ProtocolStartError struct {
	ProtocolID int64
	Type       string
	Err        error
}

func (e *ProtocolStartError) Error() string {
	return fmt.Sprintf("start protocol %d (%s): %v", e.ProtocolID, e.Type, e.Err)
}

func (e *ProtocolStartError) Unwrap() error { return e.Err }

type NotRunningError struct {
	ProtocolID int64
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("protocol %d is not running", e.ProtocolID)
}
