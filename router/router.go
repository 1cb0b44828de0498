// router/router.go
package router

import (
	"fmt"
	"sync"

	"github.com/wfunc/codenames-client/logger"
	"github.com/wfunc/codenames-client/monitor"
	"github.com/wfunc/codenames-client/network"
)

// ProtocolError is an inbound frame that could not be understood. The frame
// is dropped; the connection stays up.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// 监听接口
type Listener interface {
	OnOpen()
	OnFrame(frame network.Frame)
	OnClose(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Open  func()
	Frame func(frame network.Frame)
	Close func(err error)
}

func (l ListenerFuncs) OnOpen() {
	if l.Open != nil {
		l.Open()
	}
}

func (l ListenerFuncs) OnFrame(frame network.Frame) {
	if l.Frame != nil {
		l.Frame(frame)
	}
}

func (l ListenerFuncs) OnClose(err error) {
	if l.Close != nil {
		l.Close(err)
	}
}

type subscription struct {
	id       int64
	listener Listener
}

// Router fans connection events out to listeners in registration order.
// It implements network.Handler.
type Router struct {
	subs    []subscription
	nextID  int64
	monitor *monitor.Monitor
	mutex   sync.RWMutex
}

func NewRouter(mon *monitor.Monitor) *Router {
	return &Router{monitor: mon}
}

// Subscribe registers l and returns a func that removes it. Calling the
// returned func more than once is harmless.
func (r *Router) Subscribe(l Listener) func() {
	r.mutex.Lock()
	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscription{id: id, listener: l})
	r.mutex.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Router) OnMessage(fn func(frame network.Frame)) func() {
	return r.Subscribe(ListenerFuncs{Frame: fn})
}

func (r *Router) OnConnectOpen(fn func()) func() {
	return r.Subscribe(ListenerFuncs{Open: fn})
}

func (r *Router) OnConnectClose(fn func(err error)) func() {
	return r.Subscribe(ListenerFuncs{Close: fn})
}

// Len returns the number of registered listeners.
func (r *Router) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.subs)
}

func (r *Router) HandleOpen() {
	for _, l := range r.listeners() {
		l.OnOpen()
	}
}

func (r *Router) HandleFrame(data []byte) {
	frame, err := Parse(data)
	if err != nil {
		r.monitor.IncMalformedFrames()
		logger.Log.Errorf("dropping inbound frame: %v", err)
		return
	}

	r.monitor.IncFramesReceived(frame.Type)
	logger.Log.Debugf("<- %s", frame.Type)
	for _, l := range r.listeners() {
		l.OnFrame(frame)
	}
}

func (r *Router) HandleClose(err error) {
	for _, l := range r.listeners() {
		l.OnClose(err)
	}
}

// Parse decodes an inbound envelope. Failures are *ProtocolError.
func Parse(data []byte) (network.Frame, error) {
	frame, err := network.ParseFrame(data)
	if err != nil {
		if err == network.ErrMissingType {
			return network.Frame{}, &ProtocolError{Reason: "missing frame type", Err: err}
		}
		return network.Frame{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}
	return frame, nil
}

// listeners returns a snapshot so that listeners may subscribe or
// unsubscribe while being dispatched to.
func (r *Router) listeners() []Listener {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]Listener, len(r.subs))
	for i, s := range r.subs {
		out[i] = s.listener
	}
	return out
}

func (r *Router) remove(id int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}
