/* Manager.go: the session registry and its event loop
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	crand "crypto/rand"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	"github.com/kraken-hpc/ipmisession/lib/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// longest single wait of a blocking call, so it notices results delivered by other goroutines
const iterateSlice = 100 * time.Millisecond

// ErrPingTimeout is returned when no pong arrives in time
var ErrPingTimeout = errors.New("no response to RMCP ping")

type pingWaiter struct {
	tag uint8
	c   chan *ipmi.ASFMessagePong
}

//////////////////////////
// Manager Object /
////////////////////////

// A Manager owns an IOReactor, its socket pool, and every session created through it.
// Several Managers may run side by side.
type Manager struct {
	cfg     *Config
	log     types.Logger
	reactor *IOReactor
	pool    *SocketPool
	metrics *metrics

	rlock  sync.Mutex
	rand   *rand.Rand
	random io.Reader

	// dispatch lock: guards the maps below and all Session state
	lock       sync.Mutex
	handlers   map[sockKey]*Session
	waiting    map[*Session]time.Time
	keepalives map[*Session]time.Time
	pings      map[sockKey][]pingWaiter
	deferred   []func()
	closed     bool
}

// NewManager starts a Manager. A nil cfg uses DefaultConfig; a nil log writes to stderr.
func NewManager(cfg *Config, log types.Logger) (*Manager, error) {
	c := DefaultConfig()
	if cfg != nil {
		cp := *cfg
		c = &cp
		c.applyDefaults()
	}
	if log == nil {
		lv, e := c.Level()
		if e != nil {
			return nil, e
		}
		log = NewLogrusLogger(os.Stderr, "Manager", lv)
	}
	m := &Manager{
		cfg:        c,
		log:        log,
		metrics:    newMetrics(),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		random:     crand.Reader,
		handlers:   make(map[sockKey]*Session),
		waiting:    make(map[*Session]time.Time),
		keepalives: make(map[*Session]time.Time),
		pings:      make(map[sockKey][]pingWaiter),
	}
	m.reactor = NewIOReactor(subLogger(log, "IOReactor"), c.ReactorIdle)
	if e := m.reactor.Start(); e != nil {
		return nil, errors.Wrap(e, "could not start io reactor")
	}
	m.pool = NewSocketPool(m.reactor, c.MaxSessionsPerSocket)
	return m, nil
}

// Session returns the session for cfg, creating and logging in a new one unless a logged
// session with the same credentials already serves that address.
// With a nil onLogon it blocks until login completes; otherwise onLogon receives the result.
func (m *Manager) Session(cfg SessionConfig, onLogon func(*ipmi.Response)) (*Session, error) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if e := cfg.validate(); e != nil {
		return nil, e
	}
	addrs, e := resolveSockaddrs(cfg.Host, cfg.Port)
	if e != nil {
		return nil, e
	}
	result := make(chan *ipmi.Response, 1)
	waiter := func(r *ipmi.Response) { deliver(result, r) }

	m.lock.Lock()
	if m.closed {
		m.unlock()
		return nil, ErrReactorStopped
	}
	var s *Session
	for _, sa := range addrs {
		o := m.handlers[keyOf(sa)]
		if o == nil || o.broken {
			continue
		}
		if !o.cfg.sameCredentials(cfg) {
			o.Log(NOTICE, "replaced by a session with different credentials")
			o.abortOutstanding(ErrNotConnected.Error())
			o.closeSession()
			o.markBroken()
			continue
		}
		if o.logged {
			if onLogon != nil {
				m.later(func() { onLogon(&ipmi.Response{Data: []byte{}}) })
			}
			m.unlock()
			return o, nil
		}
		if o.context != ctxFailed {
			// login in progress; wait on it
			s = o
			break
		}
	}
	fresh := s == nil
	if fresh {
		sock, e := m.pool.Assign(nil)
		if e != nil {
			m.unlock()
			return nil, errors.Wrap(e, "could not assign socket")
		}
		s = newSession(m, cfg, sock)
		s.Log(DEBUG, "new session")
	}
	if onLogon != nil {
		s.logonWaiters = append(s.logonWaiters, s.userCallback(onLogon))
	} else {
		s.logonWaiters = append(s.logonWaiters, waiter)
	}
	if fresh {
		s.login()
	}
	m.unlock()
	if onLogon != nil {
		return s, nil
	}
	for {
		select {
		case r := <-result:
			if r.Error != "" {
				return nil, r.Err()
			}
			return s, nil
		default:
		}
		if !m.iterate() {
			return nil, ErrReactorStopped
		}
	}
}

// Lookup returns the live session serving cfg, or nil
func (m *Manager) Lookup(cfg SessionConfig) *Session {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	addrs, e := resolveSockaddrs(cfg.Host, cfg.Port)
	if e != nil {
		return nil
	}
	m.lock.Lock()
	defer m.unlock()
	for _, sa := range addrs {
		if o := m.handlers[keyOf(sa)]; o != nil && !o.broken && o.cfg.sameCredentials(cfg) {
			return o
		}
	}
	return nil
}

// WaitForRsp runs one event loop iteration: it waits for traffic until the earliest of the
// caller's timeout, any retry deadline and any keepalive, routes every received frame, sends
// due keepalives, then handles expired retry deadlines once. A negative timeout waits for
// session deadlines only. It returns the number of sessions still awaiting a response.
func (m *Manager) WaitForRsp(timeout time.Duration) int {
	m.lock.Lock()
	if m.closed {
		m.unlock()
		return 0
	}
	now := time.Now()
	var deadline time.Time
	have := timeout >= 0
	if have {
		deadline = now.Add(timeout)
	}
	for _, d := range m.waiting {
		if !have || d.Before(deadline) {
			deadline, have = d, true
		}
	}
	for _, d := range m.keepalives {
		if !have || d.Before(deadline) {
			deadline, have = d, true
		}
	}
	m.unlock()

	if have && deadline.After(time.Now()) {
		m.reactor.Wait(deadline)
	}
	dgs := m.reactor.Pull()

	m.lock.Lock()
	for _, dg := range dgs {
		m.route(dg)
	}
	now = time.Now()
	m.runKeepalives(now)
	m.sweepTimeouts(now)
	n := len(m.waiting)
	m.unlock()
	return n
}

// Ping sends an RMCP presence ping and waits for a pong advertising IPMI
func (m *Manager) Ping(host string, port int, timeout time.Duration) (*ipmi.ASFMessagePong, error) {
	if port == 0 {
		port = DefaultPort
	}
	addrs, e := resolveSockaddrs(host, port)
	if e != nil {
		return nil, e
	}
	sock, e := m.pool.Assign(nil)
	if e != nil {
		return nil, errors.Wrap(e, "could not assign socket")
	}
	defer m.pool.Release(sock)

	c := make(chan *ipmi.ASFMessagePong, 1)
	tag := uint8(m.randFloat() * 0xff)
	m.lock.Lock()
	if m.closed {
		m.unlock()
		return nil, ErrReactorStopped
	}
	for _, sa := range addrs {
		k := keyOf(sa)
		m.pings[k] = append(m.pings[k], pingWaiter{tag: tag, c: c})
	}
	m.unlock()
	defer m.forgetPing(addrs, c)

	frame := ipmi.NewASFPing(tag)
	for _, sa := range addrs {
		if e = m.reactor.SendTo(sock, frame, sa); e != nil {
			return nil, e
		}
		m.metrics.sent.Inc()
	}
	deadline := time.Now().Add(timeout)
	for {
		select {
		case pong := <-c:
			if !pong.SupportsIPMI() {
				return pong, errors.Errorf("%s answered ping but does not support IPMI", host)
			}
			return pong, nil
		default:
		}
		left := time.Until(deadline)
		if left <= 0 {
			return nil, ErrPingTimeout
		}
		if left > iterateSlice {
			left = iterateSlice
		}
		m.WaitForRsp(left)
		if !m.reactor.Running() {
			return nil, ErrReactorStopped
		}
	}
}

// Close logs out every session and stops the reactor
func (m *Manager) Close() {
	m.lock.Lock()
	if m.closed {
		m.unlock()
		return
	}
	seen := make(map[*Session]bool)
	for _, s := range m.handlers {
		if seen[s] {
			continue
		}
		seen[s] = true
		if s.logged {
			s.abortOutstanding(ErrNotConnected.Error())
			s.closeSession()
		}
		s.markBroken()
	}
	for s := range m.waiting {
		s.abortOutstanding(ErrNotConnected.Error())
	}
	m.closed = true
	m.unlock()
	m.reactor.Stop()
	m.Log(INFO, "session manager closed")
}

// Gatherer exposes this Manager's metrics
func (m *Manager) Gatherer() prometheus.Gatherer { return m.metrics.registry }

// Config returns the effective configuration
func (m *Manager) Config() Config { return *m.cfg }

////////////////////////
// Unexported methods /
//////////////////////

// later queues f to run once the dispatch lock is released
func (m *Manager) later(f func()) {
	m.deferred = append(m.deferred, f)
}

// unlock releases the dispatch lock and runs deferred callbacks
func (m *Manager) unlock() {
	d := m.deferred
	m.deferred = nil
	m.lock.Unlock()
	for _, f := range d {
		f()
	}
}

// iterate runs a bounded event loop iteration for blocking callers
func (m *Manager) iterate() bool {
	m.WaitForRsp(iterateSlice)
	m.lock.Lock()
	closed := m.closed
	m.unlock()
	return !closed
}

func (m *Manager) route(dg Datagram) {
	if ipmi.IsRMCPASF(dg.Data) {
		m.gotPong(dg)
		return
	}
	if !ipmi.IsRMCPIPMI(dg.Data) {
		m.metrics.dropped.WithLabelValues(dropMalformed).Inc()
		return
	}
	s, ok := m.handlers[keyOf(dg.From)]
	if !ok {
		m.metrics.dropped.WithLabelValues(dropUnknownPeer).Inc()
		m.Logf(DDEBUG, "dropping frame from unknown peer %s", sockaddrString(dg.From))
		return
	}
	if s.IsEnabledFor(DDDEBUG) {
		s.Logf(DDDEBUG, "rx frame from %s: % x", sockaddrString(dg.From), dg.Data)
	}
	s.handlePacket(dg.Data, dg.From)
}

func (m *Manager) gotPong(dg Datagram) {
	tag, pong, e := ipmi.ParseASFPong(dg.Data)
	if e != nil {
		m.metrics.dropped.WithLabelValues(dropMalformed).Inc()
		m.Logf(DDEBUG, "bad ASF frame from %s: %v", sockaddrString(dg.From), e)
		return
	}
	for _, w := range m.pings[keyOf(dg.From)] {
		if w.tag == tag {
			select {
			case w.c <- pong:
			default:
			}
		}
	}
}

func (m *Manager) forgetPing(addrs []*unix.SockaddrInet6, c chan *ipmi.ASFMessagePong) {
	m.lock.Lock()
	defer m.unlock()
	for _, sa := range addrs {
		k := keyOf(sa)
		ws := m.pings[k][:0]
		for _, w := range m.pings[k] {
			if w.c != c {
				ws = append(ws, w)
			}
		}
		if len(ws) == 0 {
			delete(m.pings, k)
		} else {
			m.pings[k] = ws
		}
	}
}

// sweepTimeouts expires retry deadlines; each session is handled once per iteration
func (m *Manager) sweepTimeouts(now time.Time) {
	var due []*Session
	for s, d := range m.waiting {
		if !d.After(now) {
			due = append(due, s)
		}
	}
	for _, s := range due {
		delete(m.waiting, s)
	}
	for _, s := range due {
		s.timedOut()
	}
}

func (m *Manager) randFloat() float64 {
	m.rlock.Lock()
	defer m.rlock.Unlock()
	return m.rand.Float64()
}

// randBytes draws session nonces and IVs
func (m *Manager) randBytes(n int) []byte {
	b := make([]byte, n)
	m.rlock.Lock()
	defer m.rlock.Unlock()
	if _, e := io.ReadFull(m.random, b); e != nil {
		m.Logf(ERROR, "random source failed, falling back: %v", e)
		m.rand.Read(b)
	}
	return b
}

////////////////////////////
// Passthrough Interfaces /
//////////////////////////

/*
 * Consume Logger
 */
var _ types.Logger = (*Manager)(nil)

func (m *Manager) Log(level types.LoggerLevel, s string) { m.log.Log(level, s) }
func (m *Manager) Logf(level types.LoggerLevel, fmt string, va ...interface{}) {
	m.log.Logf(level, fmt, va...)
}
func (m *Manager) SetModule(name string)                  { m.log.SetModule(name) }
func (m *Manager) GetModule() string                      { return m.log.GetModule() }
func (m *Manager) SetLoggerLevel(level types.LoggerLevel) { m.log.SetLoggerLevel(level) }
func (m *Manager) GetLoggerLevel() types.LoggerLevel      { return m.log.GetLoggerLevel() }
func (m *Manager) IsEnabledFor(level types.LoggerLevel) bool {
	return m.log.IsEnabledFor(level)
}
