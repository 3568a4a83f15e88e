package manager

import (
	"sync"

	dbus "github.com/godbus/dbus/v5"
)

type callID struct {
	peer   string
	serial uint32
}

// replyGate defers work until the reply to a method call has been written
// to the bus. Clients learn the job path from the reply, so JobRemoved must
// not overtake it.
//
// It hooks into the connection twice: as the outgoing interceptor it learns
// which of our serials answers which call, and as the serial generator it is
// told when a message with that serial has been sent.
type replyGate struct {
	mu      sync.Mutex
	next    uint32
	used    map[uint32]bool
	replies map[uint32]callID
	pending map[callID][]func()
}

func newReplyGate() *replyGate {
	return &replyGate{
		next:    1,
		used:    map[uint32]bool{},
		replies: map[uint32]callID{},
		pending: map[callID][]func(){},
	}
}

func (g *replyGate) options() []dbus.ConnOption {
	return []dbus.ConnOption{
		dbus.WithSerialGenerator(g),
		dbus.WithOutgoingInterceptor(g.intercept),
	}
}

func (g *replyGate) GetSerial() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.next
	for n == 0 || g.used[n] {
		n++
	}
	g.used[n] = true
	g.next = n + 1
	return n
}

func (g *replyGate) RetireSerial(serial uint32) {
	g.mu.Lock()
	delete(g.used, serial)
	var run []func()
	if id, ok := g.replies[serial]; ok {
		delete(g.replies, serial)
		run = g.pending[id]
		delete(g.pending, id)
	}
	g.mu.Unlock()

	for _, fn := range run {
		fn()
	}
}

func (g *replyGate) intercept(msg *dbus.Message) {
	if msg.Type != dbus.TypeMethodReply && msg.Type != dbus.TypeError {
		return
	}
	var id callID
	if v, ok := msg.Headers[dbus.FieldReplySerial]; ok {
		id.serial, _ = v.Value().(uint32)
	}
	if v, ok := msg.Headers[dbus.FieldDestination]; ok {
		id.peer, _ = v.Value().(string)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; ok {
		g.replies[msg.Serial()] = id
	}
}

// after runs fn once the reply to call has been sent, or right away when
// the caller asked for no reply.
func (g *replyGate) after(call *dbus.Message, fn func()) {
	if call.Flags&dbus.FlagNoReplyExpected != 0 {
		fn()
		return
	}
	var id callID
	id.serial = call.Serial()
	if v, ok := call.Headers[dbus.FieldSender]; ok {
		id.peer, _ = v.Value().(string)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[id] = append(g.pending[id], fn)
}
