// Package notifier fans entry and connection events out to user
// callbacks from a single background goroutine.
package notifier

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"ntcore/pkg/listener"
	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

// EntryListener receives entry events. uid is 0 for an immediate replay
// delivered through NotifyEntry's only argument.
type EntryListener func(uid int, name string, v *value.Value, flags types.NotifyFlags)

type ConnectionListener func(uid int, connected bool, info types.ConnectionInfo)

type entryListener struct {
	prefix   string
	flags    types.NotifyFlags
	callback EntryListener
}

// event is either an entry or a connection notification.
type event struct {
	conn bool

	name  string
	value *value.Value
	flags types.NotifyFlags
	only  EntryListener

	connected bool
	info      types.ConnectionInfo
	onlyConn  ConnectionListener
}

type Notifier struct {
	mu             sync.Mutex
	entryListeners uidList[entryListener]
	connListeners  uidList[ConnectionListener]

	localNotifiers atomic.Bool
	active         atomic.Bool

	queue  *listener.Listener[event]
	logger *slog.Logger
}

func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{logger: logger.With("component", "notifier")}
	n.queue = listener.New(n.dispatch, func() {
		n.logger.Debug("notifier stopped")
	})
	return n
}

func (n *Notifier) Start(ctx context.Context) {
	if n.active.Swap(true) {
		return
	}
	n.queue.Start(ctx)
}

func (n *Notifier) Stop() {
	if !n.active.Swap(false) {
		return
	}
	n.queue.Stop()
}

func (n *Notifier) Active() bool { return n.active.Load() }

// LocalNotifiers reports whether any listener asked for local changes.
func (n *Notifier) LocalNotifiers() bool { return n.localNotifiers.Load() }

// QueueLen is the number of undelivered events.
func (n *Notifier) QueueLen() int { return n.queue.Len() }

func (n *Notifier) AddEntryListener(prefix string, cb EntryListener, flags types.NotifyFlags) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if flags.Has(types.NotifyLocal) {
		n.localNotifiers.Store(true)
	}
	return n.entryListeners.add(entryListener{prefix: prefix, flags: flags, callback: cb})
}

func (n *Notifier) RemoveEntryListener(uid int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entryListeners.erase(uid)
}

func (n *Notifier) AddConnectionListener(cb ConnectionListener) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connListeners.add(cb)
}

func (n *Notifier) RemoveConnectionListener(uid int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connListeners.erase(uid)
}

// NotifyEntry queues an entry event. When only is set the event goes
// to that callback alone.
func (n *Notifier) NotifyEntry(name string, v *value.Value, flags types.NotifyFlags, only EntryListener) {
	if !n.active.Load() {
		return
	}
	// локальные изменения без локальных слушателей никому не нужны
	if flags.Has(types.NotifyLocal) && !n.localNotifiers.Load() {
		return
	}
	n.queue.Push(event{name: name, value: v, flags: flags, only: only})
}

func (n *Notifier) NotifyConnection(connected bool, info types.ConnectionInfo, only ConnectionListener) {
	if !n.active.Load() {
		return
	}
	n.queue.Push(event{conn: true, connected: connected, info: info, onlyConn: only})
}

// matches applies the listener's flag and prefix filter.
// An assign can carry both a value and a flags change; a listener asking
// for either one receives it.
func matches(l *entryListener, name string, flags types.NotifyFlags) bool {
	const assignBoth = types.NotifyUpdate | types.NotifyFlagsChanged
	listen := l.flags
	if flags&assignBoth == assignBoth {
		if listen&assignBoth == 0 {
			return false
		}
		listen &^= assignBoth
		flags &^= assignBoth
	}
	if flags&^listen != 0 {
		return false
	}
	return strings.HasPrefix(name, l.prefix)
}

type entryCall struct {
	uid int
	cb  EntryListener
}

type connCall struct {
	uid int
	cb  ConnectionListener
}

func (n *Notifier) dispatch(ev event) error {
	if ev.conn {
		if ev.onlyConn != nil {
			ev.onlyConn(0, ev.connected, ev.info)
			return nil
		}
		var calls []connCall
		n.mu.Lock()
		n.connListeners.each(func(uid int, cb *ConnectionListener) {
			calls = append(calls, connCall{uid: uid, cb: *cb})
		})
		n.mu.Unlock()
		for _, c := range calls {
			c.cb(c.uid, ev.connected, ev.info)
		}
		return nil
	}

	if ev.value == nil {
		return nil
	}
	if ev.only != nil {
		ev.only(0, ev.name, ev.value, ev.flags)
		return nil
	}
	var calls []entryCall
	n.mu.Lock()
	n.entryListeners.each(func(uid int, l *entryListener) {
		if matches(l, ev.name, ev.flags) {
			calls = append(calls, entryCall{uid: uid, cb: l.callback})
		}
	})
	n.mu.Unlock()
	for _, c := range calls {
		c.cb(c.uid, ev.name, ev.value, ev.flags)
	}
	return nil
}
