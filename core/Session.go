/* Session.go: an authenticated IPMI LAN session with a single BMC
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"bytes"
	"fmt"
	"time"

	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	"github.com/kraken-hpc/ipmisession/lib/types"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"
)

// DefaultPort is the RMCP port
const DefaultPort = 623

const (
	maxUserLen     = 16
	maxPasswordLen = 20
	// every (re)initialised session starts its console session id here
	initialLocalSID uint32 = 2017673555
	maxLogonTries          = 5
	// seqlun cycles a timed out tuple is kept out of use
	tabooCycles = 16
	// bound on seqlun values skipped looking for a usable one
	maxTabooSkips = 7
	// no response expected
	noExpect uint16 = 0x1ff
)

var (
	ErrNotConnected    = errors.New("Session no longer connected")
	ErrUserTooLong     = errors.New("Username too long for IPMI, must not exceed 16")
	ErrPasswordTooLong = errors.New("Password too long for IPMI, must not exceed 20")
	ErrUnresolvable    = errors.New("Unable to transmit to specified address")
	ErrReactorStopped  = errors.New("io reactor is not running")
)

// SessionConfig identifies a BMC and the credentials for it
type SessionConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// Kg is the BMC key; when empty the password is used
	Kg []byte
}

func (c SessionConfig) validate() error {
	if len(c.User) > maxUserLen {
		return ErrUserTooLong
	}
	if len(c.Password) > maxPasswordLen {
		return ErrPasswordTooLong
	}
	return nil
}

func (c SessionConfig) sameCredentials(o SessionConfig) bool {
	return c.User == o.User && c.Password == o.Password && bytes.Equal(c.Kg, o.Kg)
}

// Request is a raw IPMI command
type Request struct {
	NetFn   uint8
	Command uint8
	Data    []byte
	// Bridge sends the command through the BMC to another controller
	Bridge *ipmi.BridgeRequest
	// NoRetry sends once and expects no delivered response
	NoRetry bool
	// DelayXmit holds the first transmission back, leaving it to the retry timer
	DelayXmit time.Duration
}

type sessionContext uint8

const (
	ctxNone sessionContext = iota
	ctxOpenSession
	ctxExpectingRAKP2
	ctxExpectingRAKP4
	ctxEstablished
	ctxFailed
)

var sessionContextStrings = map[sessionContext]string{
	ctxNone:           "NONE",
	ctxOpenSession:    "OPENSESSION",
	ctxExpectingRAKP2: "EXPECTINGRAKP2",
	ctxExpectingRAKP4: "EXPECTINGRAKP4",
	ctxEstablished:    "ESTABLISHED",
	ctxFailed:         "FAILED",
}

func (c sessionContext) String() string { return sessionContextStrings[c] }

// an outbound payload; IPMI request bodies are built on first transmission
type outbound struct {
	ptype   uint8
	payload []byte
	req     *Request
	retry   bool
	delay   time.Duration
	cb      func(*ipmi.Response)
}

type requestEntry struct {
	netfn  uint8
	seqlun uint8
	cmd    uint8
}

type tabooKey struct {
	netfn  uint8
	cmd    uint8
	seqlun uint8
}

//////////////////////////
// Session Object /
////////////////////////

// A Session is an authenticated conversation with one BMC. All of its state is
// guarded by its Manager's dispatch lock.
type Session struct {
	id  uuid.UUID
	m   *Manager
	log types.Logger
	cfg SessionConfig

	user     []byte
	password []byte
	kg       []byte

	socket       *Socket
	sockaddr     *unix.SockaddrInet6
	allSockaddrs []*unix.SockaddrInet6
	released     bool

	privLevel    uint8
	maxTimeout   time.Duration
	timeout      time.Duration
	logged       bool
	broken       bool
	logonTries   int
	logonWaiters []func(*ipmi.Response)

	// reset by initSession
	ipmiVersion    int
	ipmi15Only     bool
	authType       uint8
	localSID       uint32
	pendingSID     uint32
	sessionID      uint32
	sequence       uint32
	remSeq15       uint32
	remSeq20       uint32
	haveRemSeq15   bool
	haveRemSeq20   bool
	rmcpTag        uint8
	localRandom    []byte
	remoteRandom   []byte
	remoteGUID     []byte
	keys           *ipmi.SessionKeys
	integrity      bool
	confidential   bool
	context        sessionContext
	seqLUN         uint8
	rqAddr         uint8
	currentChannel uint8
	taboo          map[tabooKey]int
	entries        []requestEntry
	expectedNetFn  uint16
	expectedCmd    uint16
	hasRetried     bool

	inflight *outbound
	pending  []*outbound

	customKeepalives map[uuid.UUID]*customKeepalive
	keepaliveOrder   []uuid.UUID
}

func newSession(m *Manager, cfg SessionConfig, sock *Socket) *Session {
	s := &Session{
		id:         uuid.NewV4(),
		m:          m,
		cfg:        cfg,
		user:       []byte(cfg.User),
		password:   []byte(cfg.Password),
		socket:     sock,
		privLevel:  ipmi.IPMIPrivAdmin,
		maxTimeout: m.cfg.MaxTimeoutInitial,
	}
	if len(cfg.Kg) > 0 {
		s.kg = append([]byte{}, cfg.Kg...)
	} else {
		s.kg = s.password
	}
	s.log = subLogger(m.log, fmt.Sprintf("Session:%s", cfg.Host))
	return s
}

// ID is a unique handle for this session object
func (s *Session) ID() uuid.UUID { return s.id }

// Host is the BMC this session talks to
func (s *Session) Host() string { return s.cfg.Host }

// Logged reports whether the session is established at its privilege level
func (s *Session) Logged() bool {
	s.m.lock.Lock()
	defer s.m.unlock()
	return s.logged
}

// Broken reports whether the session has failed and been abandoned
func (s *Session) Broken() bool {
	s.m.lock.Lock()
	defer s.m.unlock()
	return s.broken
}

// PrivLevel is the privilege level the session runs at
func (s *Session) PrivLevel() uint8 {
	s.m.lock.Lock()
	defer s.m.unlock()
	return s.privLevel
}

// IPMIVersion is 15 or 20, depending on the negotiated session format
func (s *Session) IPMIVersion() int {
	s.m.lock.Lock()
	defer s.m.unlock()
	return s.ipmiVersion
}

// RawCommand sends a command and blocks until its response, timeout, or session failure.
// With NoRetry it returns (nil, nil) once the command has been handed off.
func (s *Session) RawCommand(req Request) (*ipmi.Response, error) {
	result := make(chan *ipmi.Response, 1)
	s.m.lock.Lock()
	if !s.logged {
		s.m.unlock()
		return nil, ErrNotConnected
	}
	e := s.sendIPMICommand(req, func(r *ipmi.Response) { deliver(result, r) })
	s.m.unlock()
	if e != nil {
		return nil, e
	}
	if req.NoRetry {
		return nil, nil
	}
	for {
		select {
		case r := <-result:
			return r, nil
		default:
		}
		if !s.m.iterate() {
			return nil, ErrReactorStopped
		}
	}
}

// RawCommandAsync sends a command; cb is called with the result from the event loop
func (s *Session) RawCommandAsync(req Request, cb func(*ipmi.Response)) error {
	s.m.lock.Lock()
	defer s.m.unlock()
	if !s.logged {
		return ErrNotConnected
	}
	return s.sendIPMICommand(req, s.userCallback(cb))
}

// Logout closes the session on the BMC, releases its socket share and discards its keys.
// A logged out session is broken; a new one must be obtained from the Manager.
func (s *Session) Logout() error {
	s.m.lock.Lock()
	defer s.m.unlock()
	if !s.logged {
		return nil
	}
	s.abortOutstanding(ErrNotConnected.Error())
	s.closeSession()
	s.markBroken()
	s.Log(INFO, "logged out")
	return nil
}

////////////////////////
// Unexported methods /
//////////////////////

// userCallback defers cb until the dispatch lock is released
func (s *Session) userCallback(cb func(*ipmi.Response)) func(*ipmi.Response) {
	if cb == nil {
		return nil
	}
	return func(r *ipmi.Response) {
		s.m.later(func() { cb(r) })
	}
}

func deliver(c chan *ipmi.Response, r *ipmi.Response) {
	select {
	case c <- r:
	default:
	}
}

func (s *Session) initialTimeout() time.Duration {
	t := s.m.cfg.InitialTimeout
	if j := s.m.cfg.TimeoutJitter; j > 0 {
		t += time.Duration(s.m.randFloat() * float64(j))
	}
	return t
}

// onLogon reports a login result to every waiter, most recent first
func (s *Session) onLogon(r *ipmi.Response) {
	if r.Error != "" {
		s.m.metrics.logins.WithLabelValues("failure").Inc()
		s.Logf(ERROR, "login failed: %s", r.Error)
		s.markBroken()
	} else {
		s.m.metrics.logins.WithLabelValues("success").Inc()
		s.Logf(INFO, "logged in at privilege level %d using IPMI %s", s.privLevel, s.versionString())
	}
	for len(s.logonWaiters) > 0 {
		w := s.logonWaiters[len(s.logonWaiters)-1]
		s.logonWaiters = s.logonWaiters[:len(s.logonWaiters)-1]
		w(r)
	}
}

func (s *Session) loginFailed(msg string) {
	s.onLogon(&ipmi.Response{Error: msg})
}

func (s *Session) versionString() string {
	if s.ipmiVersion == 20 {
		return "2.0"
	}
	return "1.5"
}

// abortOutstanding fails the in-flight command and everything queued behind it
func (s *Session) abortOutstanding(msg string) {
	delete(s.m.waiting, s)
	ob := s.inflight
	s.inflight = nil
	queued := s.pending
	s.pending = nil
	if ob != nil && ob.cb != nil {
		ob.cb(&ipmi.Response{Error: msg})
	}
	for _, q := range queued {
		if q.cb != nil {
			q.cb(&ipmi.Response{Error: msg})
		}
	}
}

// markBroken abandons the session after failed retries or a failed login
func (s *Session) markBroken() {
	delete(s.m.keepalives, s)
	delete(s.m.waiting, s)
	if s.logged {
		s.logged = false
		s.m.metrics.logged.Dec()
		s.customKeepalives = nil
		s.keepaliveOrder = nil
	}
	if s.broken {
		return
	}
	s.broken = true
	s.release()
	s.unregister()
	s.keys.Clear()
	s.keys = nil
	// anything queued behind the failed payload can never be sent
	queued := s.pending
	s.pending = nil
	for _, q := range queued {
		if q.cb != nil {
			q.cb(&ipmi.Response{Error: ErrNotConnected.Error()})
		}
	}
	s.Log(DEBUG, "session marked broken")
}

func (s *Session) release() {
	if s.released {
		return
	}
	s.released = true
	s.m.pool.Release(s.socket)
}

// unregister removes this session's peer addresses from the registry
func (s *Session) unregister() {
	for _, sa := range s.allSockaddrs {
		k := keyOf(sa)
		if s.m.handlers[k] == s {
			delete(s.m.handlers, k)
		}
	}
}

// closeSession sends a close session request without waiting for the reply
func (s *Session) closeSession() {
	if !s.logged {
		return
	}
	s.sendClose()
	delete(s.m.keepalives, s)
	s.logged = false
	s.m.metrics.logged.Dec()
	s.customKeepalives = nil
	s.keepaliveOrder = nil
}

func (s *Session) sendClose() {
	if e := s.sendIPMICommand(Request{
		NetFn:   ipmi.IPMIFnAppReq,
		Command: ipmi.IPMICmdCloseSess,
		Data:    le32(s.sessionID),
		NoRetry: true,
	}, nil); e != nil {
		s.Logf(DEBUG, "could not send close session: %v", e)
	}
}

func le32(v uint32) []byte {
	return []byte{uint8(v), uint8(v >> 8), uint8(v >> 16), uint8(v >> 24)}
}

////////////////////////////
// Passthrough Interfaces /
//////////////////////////

/*
 * Consume Logger
 */
var _ types.Logger = (*Session)(nil)

func (s *Session) Log(level types.LoggerLevel, m string) { s.log.Log(level, m) }
func (s *Session) Logf(level types.LoggerLevel, fmt string, va ...interface{}) {
	s.log.Logf(level, fmt, va...)
}
func (s *Session) SetModule(name string)                  { s.log.SetModule(name) }
func (s *Session) GetModule() string                      { return s.log.GetModule() }
func (s *Session) SetLoggerLevel(level types.LoggerLevel) { s.log.SetLoggerLevel(level) }
func (s *Session) GetLoggerLevel() types.LoggerLevel      { return s.log.GetLoggerLevel() }
func (s *Session) IsEnabledFor(level types.LoggerLevel) bool {
	return s.log.IsEnabledFor(level)
}
