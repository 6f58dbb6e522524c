package nterrors

import "errors"

var (
	ErrNotFound        = errors.New("ntcore: entry not found")
	ErrClosed          = errors.New("ntcore: closed")
	ErrInvalidArgument = errors.New("ntcore: invalid argument")
	ErrTypeMismatch    = errors.New("ntcore: entry type mismatch")
	ErrNotServer       = errors.New("ntcore: operation is only valid on a server")
	ErrNotClient       = errors.New("ntcore: operation is only valid on a client")
	ErrAlreadyRunning  = errors.New("ntcore: already running")
	ErrNotRunning      = errors.New("ntcore: not running")
	ErrNoPersistFile   = errors.New("ntcore: no persistent file configured")
)
