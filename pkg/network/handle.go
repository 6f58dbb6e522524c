package network

import "ntcore/pkg/message"

// Target is what a Handle sends through; *Connection implements it.
type Target interface {
	Alive() bool
	QueueOutgoing(msg message.Message)
}

// Handle is a back-reference to a connection that may die at any time.
// Sending through a dead or zero Handle is a silent no-op.
type Handle struct {
	target Target
}

// NoHandle refers to no connection.
var NoHandle = Handle{}

func NewHandle(t Target) Handle {
	return Handle{target: t}
}

func (h Handle) Valid() bool {
	return h.target != nil && h.target.Alive()
}

// Send queues msg if the connection is still alive and reports whether it did.
func (h Handle) Send(msg message.Message) bool {
	if !h.Valid() {
		return false
	}
	h.target.QueueOutgoing(msg)
	return true
}

// Is reports whether h refers to t.
func (h Handle) Is(t Target) bool {
	return h.target != nil && h.target == t
}
