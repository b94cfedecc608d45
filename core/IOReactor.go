/* IOReactor.go: a single goroutine that owns every IPMI socket
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kraken-hpc/ipmisession/lib/types"
	"golang.org/x/sys/unix"
)

// maxDatagram bounds a single receive; IPMI frames are far smaller
const maxDatagram = 3000

// Socket is a datagram socket owned by an IOReactor.
// Its descriptor is only ever touched on the reactor goroutine.
type Socket struct {
	fd     int
	closed bool
}

// Datagram is one received frame and its source
type Datagram struct {
	Data []byte
	From *unix.SockaddrInet6
	Sock *Socket
}

type workItem struct {
	fn       func() interface{}
	wait     bool
	deadline time.Time
	done     chan interface{}
}

//////////////////////////
// IOReactor Object /
////////////////////////

// An IOReactor multiplexes readiness over its sockets and a self-pipe, and runs
// submitted work items in FIFO order on its own goroutine.
type IOReactor struct {
	log  types.Logger
	idle time.Duration

	qlock          sync.Mutex
	queue          []*workItem
	running        bool
	selectDeadline time.Time

	wakeR, wakeW int

	// reactor goroutine only
	sockets []*Socket
	ignored map[*Socket]bool
	waiters []*workItem
	rbuf    []byte

	stopped chan struct{}
}

// NewIOReactor creates a stopped IOReactor; idle bounds how long it sleeps with nothing to do
func NewIOReactor(log types.Logger, idle time.Duration) *IOReactor {
	if idle <= 0 {
		idle = DefaultConfig().ReactorIdle
	}
	return &IOReactor{
		log:     log,
		idle:    idle,
		ignored: make(map[*Socket]bool),
		rbuf:    make([]byte, maxDatagram),
		wakeR:   -1,
		wakeW:   -1,
	}
}

// Start creates the self-pipe and launches the reactor goroutine
func (r *IOReactor) Start() (e error) {
	r.qlock.Lock()
	defer r.qlock.Unlock()
	if r.running {
		return fmt.Errorf("io reactor already running")
	}
	p := make([]int, 2)
	if e = unix.Pipe(p); e != nil {
		return fmt.Errorf("could not create wake pipe: %v", e)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if e = unix.SetNonblock(fd, true); e != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return fmt.Errorf("could not set wake pipe nonblocking: %v", e)
		}
	}
	r.wakeR, r.wakeW = p[0], p[1]
	r.running = true
	r.selectDeadline = time.Now()
	r.stopped = make(chan struct{})
	go r.loop()
	r.Log(DEBUG, "io reactor started")
	return
}

// Stop closes all sockets and ends the reactor goroutine. Queued work is still run.
func (r *IOReactor) Stop() {
	r.qlock.Lock()
	if !r.running {
		r.qlock.Unlock()
		return
	}
	r.running = false
	r.qlock.Unlock()
	r.wake()
	<-r.stopped
	r.Log(DEBUG, "io reactor stopped")
}

// Running reports whether the reactor accepts work
func (r *IOReactor) Running() bool {
	r.qlock.Lock()
	defer r.qlock.Unlock()
	return r.running
}

// Submit runs fn on the reactor goroutine and returns its result.
// A panic in fn is logged and yields a nil result.
func (r *IOReactor) Submit(fn func() interface{}) (interface{}, error) {
	w := &workItem{fn: fn, done: make(chan interface{}, 1)}
	if !r.enqueue(w) {
		return nil, ErrReactorStopped
	}
	return <-w.done, nil
}

// Wait blocks until a socket is readable or deadline passes, returning the readable sockets.
// Readable sockets are left out of polling until they are read, so Wait returns immediately
// while any remain unread.
func (r *IOReactor) Wait(deadline time.Time) []*Socket {
	w := &workItem{wait: true, deadline: deadline, done: make(chan interface{}, 1)}
	if !r.enqueue(w) {
		return nil
	}
	rdy, _ := (<-w.done).([]*Socket)
	return rdy
}

// NewSocket creates a dual-stack datagram socket. A non-nil bind address binds it there.
func (r *IOReactor) NewSocket(bind *unix.SockaddrInet6) (*Socket, error) {
	res, err := r.Submit(func() interface{} {
		s, e := r.newSocket(bind)
		if e != nil {
			return e
		}
		return s
	})
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case *Socket:
		return v, nil
	case error:
		return nil, v
	}
	return nil, fmt.Errorf("socket creation failed")
}

// SendTo transmits frame to addr. Send errors are logged and otherwise ignored.
func (r *IOReactor) SendTo(s *Socket, frame []byte, addr *unix.SockaddrInet6) error {
	_, err := r.Submit(func() interface{} {
		if s.closed {
			return nil
		}
		if e := unix.Sendto(s.fd, frame, 0, addr); e != nil {
			r.Logf(DDEBUG, "sendto %s failed: %v", sockaddrString(addr), e)
		}
		return nil
	})
	return err
}

// Pull reads every queued datagram from every socket and clears the ignored set
func (r *IOReactor) Pull() []Datagram {
	res, err := r.Submit(func() interface{} {
		var dgs []Datagram
		for _, s := range r.sockets {
			delete(r.ignored, s)
			dgs = append(dgs, r.drain(s)...)
		}
		return dgs
	})
	if err != nil {
		return nil
	}
	dgs, _ := res.([]Datagram)
	return dgs
}

// CloseSocket closes s and removes it from polling
func (r *IOReactor) CloseSocket(s *Socket) {
	r.Submit(func() interface{} {
		r.closeSocket(s)
		return nil
	})
}

// LocalAddr returns the address a socket is bound to
func (r *IOReactor) LocalAddr(s *Socket) (*unix.SockaddrInet6, error) {
	res, err := r.Submit(func() interface{} {
		sa, e := unix.Getsockname(s.fd)
		if e != nil {
			return e
		}
		return sa
	})
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case *unix.SockaddrInet6:
		return v, nil
	case error:
		return nil, v
	}
	return nil, fmt.Errorf("unexpected socket address family")
}

////////////////////////
// Unexported methods /
//////////////////////

func (r *IOReactor) enqueue(w *workItem) bool {
	r.qlock.Lock()
	if !r.running {
		r.qlock.Unlock()
		return false
	}
	r.queue = append(r.queue, w)
	// a wait that ends after the current poll deadline needs no wakeup
	wake := !(w.wait && r.selectDeadline.Before(w.deadline))
	r.qlock.Unlock()
	if wake {
		r.wake()
	}
	return true
}

func (r *IOReactor) wake() {
	// EAGAIN means a wakeup is already pending
	unix.Write(r.wakeW, []byte{1})
}

func (r *IOReactor) loop() {
	timeout := r.idle
	buf := make([]byte, 64)
	for {
		pfds := []unix.PollFd{{Fd: int32(r.wakeR), Events: unix.POLLIN}}
		polled := make([]*Socket, 0, len(r.sockets))
		for _, s := range r.sockets {
			if r.ignored[s] {
				continue
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN})
			polled = append(polled, s)
		}
		if _, e := unix.Poll(pfds, pollMillis(timeout)); e != nil && e != unix.EINTR {
			r.Logf(ERROR, "poll failed: %v", e)
		}
		// push the deadline out before looking at the queue so submitters wake us
		r.qlock.Lock()
		r.selectDeadline = time.Now().Add(r.idle)
		r.qlock.Unlock()

		if pfds[0].Revents != 0 {
			for {
				if n, e := unix.Read(r.wakeR, buf); n <= 0 || e != nil {
					break
				}
			}
		}
		var rdy []*Socket
		for i, s := range polled {
			if pfds[i+1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
				r.ignored[s] = true
				rdy = append(rdy, s)
			}
		}
		for _, w := range r.waiters {
			w.done <- rdy
		}
		r.waiters = nil
		timeout = r.idle

		r.qlock.Lock()
		items := r.queue
		r.queue = nil
		stop := !r.running
		r.qlock.Unlock()

		for _, w := range items {
			if !w.wait {
				w.done <- r.run(w.fn)
				continue
			}
			if len(rdy) > 0 || len(r.ignored) > 0 {
				w.done <- r.ignoredSockets()
				continue
			}
			if lt := time.Until(w.deadline); lt < timeout {
				timeout = lt
			}
			r.waiters = append(r.waiters, w)
		}
		if stop {
			r.shutdown()
			return
		}
		if timeout < 0 {
			timeout = 0
		}
		r.qlock.Lock()
		r.selectDeadline = time.Now().Add(timeout)
		r.qlock.Unlock()
	}
}

func (r *IOReactor) run(fn func() interface{}) (ret interface{}) {
	defer func() {
		if p := recover(); p != nil {
			r.Logf(ERROR, "io work item panicked: %v\n%s", p, debug.Stack())
			ret = nil
		}
	}()
	return fn()
}

func (r *IOReactor) shutdown() {
	for _, w := range r.waiters {
		w.done <- []*Socket(nil)
	}
	r.waiters = nil
	for len(r.sockets) > 0 {
		r.closeSocket(r.sockets[0])
	}
	r.qlock.Lock()
	// anything that slipped in before running was cleared
	for _, w := range r.queue {
		if w.wait {
			w.done <- []*Socket(nil)
		} else {
			w.done <- nil
		}
	}
	r.queue = nil
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	r.wakeR, r.wakeW = -1, -1
	r.qlock.Unlock()
	close(r.stopped)
}

func (r *IOReactor) ignoredSockets() []*Socket {
	l := make([]*Socket, 0, len(r.ignored))
	for _, s := range r.sockets {
		if r.ignored[s] {
			l = append(l, s)
		}
	}
	return l
}

func (r *IOReactor) newSocket(bind *unix.SockaddrInet6) (*Socket, error) {
	fd, e := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM, 0)
	if e != nil {
		return nil, fmt.Errorf("could not create socket: %v", e)
	}
	unix.CloseOnExec(fd)
	if e = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); e != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("could not enable dual-stack socket: %v", e)
	}
	if e = unix.SetNonblock(fd, true); e != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("could not set socket nonblocking: %v", e)
	}
	if bind == nil {
		bind = &unix.SockaddrInet6{}
	}
	if e = unix.Bind(fd, bind); e != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("could not bind socket to %s: %v", sockaddrString(bind), e)
	}
	s := &Socket{fd: fd}
	r.sockets = append(r.sockets, s)
	return s, nil
}

func (r *IOReactor) drain(s *Socket) (dgs []Datagram) {
	if s.closed {
		return
	}
	for {
		n, from, e := unix.Recvfrom(s.fd, r.rbuf, 0)
		if e != nil {
			if e != unix.EAGAIN && e != unix.EWOULDBLOCK && e != unix.EINTR {
				// ICMP errors surface here; they carry no frame
				r.Logf(DDEBUG, "recvfrom failed: %v", e)
				continue
			}
			return
		}
		sa, ok := from.(*unix.SockaddrInet6)
		if !ok {
			continue
		}
		dgs = append(dgs, Datagram{Data: append([]byte(nil), r.rbuf[:n]...), From: sa, Sock: s})
	}
}

func (r *IOReactor) closeSocket(s *Socket) {
	for i, o := range r.sockets {
		if o == s {
			r.sockets = append(r.sockets[:i], r.sockets[i+1:]...)
			break
		}
	}
	delete(r.ignored, s)
	if !s.closed {
		unix.Close(s.fd)
		s.closed = true
	}
}

func pollMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

////////////////////////////
// Passthrough Interfaces /
//////////////////////////

/*
 * Consume Logger
 */
var _ types.Logger = (*IOReactor)(nil)

func (r *IOReactor) Log(level types.LoggerLevel, m string) { r.log.Log(level, m) }
func (r *IOReactor) Logf(level types.LoggerLevel, fmt string, va ...interface{}) {
	r.log.Logf(level, fmt, va...)
}
func (r *IOReactor) SetModule(name string)                  { r.log.SetModule(name) }
func (r *IOReactor) GetModule() string                      { return r.log.GetModule() }
func (r *IOReactor) SetLoggerLevel(level types.LoggerLevel) { r.log.SetLoggerLevel(level) }
func (r *IOReactor) GetLoggerLevel() types.LoggerLevel      { return r.log.GetLoggerLevel() }
func (r *IOReactor) IsEnabledFor(level types.LoggerLevel) bool {
	return r.log.IsEnabledFor(level)
}
