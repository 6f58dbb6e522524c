package dispatcher

import (
	"ntcore/pkg/message"
	"ntcore/pkg/network"
	"ntcore/pkg/types"
)

func (d *Dispatcher) clientHandshake(conn *network.Connection, getMsg func() message.Message, sendMsgs func([]message.Message)) bool {
	d.logger.Debug("client: sending hello", "rev", conn.ProtoRev())
	sendMsgs([]message.Message{&message.ClientHello{Identity: d.Identity()}})

	msg := getMsg()
	if msg == nil {
		d.logger.Debug("client: server disconnected before first response")
		return false
	}

	if pu, ok := msg.(*message.ProtoUnsup); ok {
		d.logger.Info("client: server rejected protocol revision",
			"requested", conn.ProtoRev(), "server", pu.Rev)
		if conn.ProtoRev() > types.ProtoRev2 {
			d.clientReconnect(types.ProtoRev2)
		}
		return false
	}

	newServer := true
	if conn.ProtoRev() >= types.ProtoRev3 {
		hello, ok := msg.(*message.ServerHello)
		if !ok {
			d.logger.Debug("client: expected server hello", "type", msg.Kind())
			return false
		}
		conn.SetRemoteID(hello.Identity)
		// бит 0: сервер нас уже видел
		if hello.Flags&1 != 0 {
			newServer = false
		}
		msg = getMsg()
	}

	var incoming []message.Message
	for {
		if msg == nil {
			d.logger.Debug("client: server disconnected during initial entries")
			return false
		}
		switch msg.(type) {
		case *message.ServerHelloDone:
		case *message.KeepAlive:
			msg = getMsg()
			continue
		case *message.EntryAssign:
			incoming = append(incoming, msg)
			msg = getMsg()
			continue
		default:
			d.logger.Debug("client: received message other than entry assignment during initial handshake",
				"type", msg.Kind())
			return false
		}
		break
	}

	outgoing := d.table.ApplyInitialAssignments(conn, incoming, newServer)
	if conn.ProtoRev() >= types.ProtoRev3 {
		outgoing = append(outgoing, &message.ClientHelloDone{})
	}
	if len(outgoing) > 0 {
		sendMsgs(outgoing)
	}

	info := conn.Info()
	d.logger.Info("client: CONNECTED to server", "ip", info.RemoteIP, "port", info.RemotePort,
		"remote_id", info.RemoteID, "rev", conn.ProtoRev())
	return true
}

func (d *Dispatcher) serverHandshake(conn *network.Connection, getMsg func() message.Message, sendMsgs func([]message.Message)) bool {
	msg := getMsg()
	if msg == nil {
		d.logger.Debug("server: client disconnected before sending hello")
		return false
	}
	hello, ok := msg.(*message.ClientHello)
	if !ok {
		d.logger.Debug("server: client initial message was not client hello", "type", msg.Kind())
		return false
	}

	if hello.Rev > d.opts.ProtoRev {
		d.logger.Debug("server: client requested unsupported protocol",
			"requested", hello.Rev, "max", d.opts.ProtoRev)
		sendMsgs([]message.Message{&message.ProtoUnsup{Rev: d.opts.ProtoRev}})
		return false
	}
	rev3 := hello.Rev >= types.ProtoRev3
	if rev3 {
		conn.SetRemoteID(hello.Identity)
	}
	d.logger.Debug("server: client protocol", "rev", hello.Rev)
	conn.SetProtoRev(hello.Rev)

	var outgoing []message.Message
	if rev3 {
		outgoing = append(outgoing, &message.ServerHello{Flags: 0, Identity: d.Identity()})
	}
	outgoing = append(outgoing, d.table.GetInitialAssignments(conn)...)
	outgoing = append(outgoing, &message.ServerHelloDone{})
	d.logger.Debug("server: sending initial assignments", "count", len(outgoing))
	sendMsgs(outgoing)

	if rev3 {
		var incoming []message.Message
		for {
			msg = getMsg()
			if msg == nil {
				d.logger.Debug("server: disconnected waiting for initial entries")
				return false
			}
			if _, done := msg.(*message.ClientHelloDone); done {
				break
			}
			switch msg.(type) {
			case *message.KeepAlive:
			case *message.EntryAssign:
				incoming = append(incoming, msg)
			default:
				d.logger.Debug("server: received message other than entry assignment during initial handshake",
					"type", msg.Kind())
				return false
			}
		}
		for _, m := range incoming {
			d.table.ProcessIncoming(m, conn)
		}
	}

	info := conn.Info()
	d.logger.Info("server: client CONNECTED", "ip", info.RemoteIP, "port", info.RemotePort,
		"remote_id", info.RemoteID, "rev", hello.Rev)
	return true
}
