/* simulator_test.go: a loopback BMC speaking IPMI 1.5 and RMCP+ for session tests
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	"github.com/stretchr/testify/require"
)

const (
	simBMCSID       uint32 = 0x0a0b0c0d
	simTempSID15    uint32 = 0x01020304
	simSID15        uint32 = 0x11223344
	simInitialSeq15 uint32 = 0x100
)

var (
	simBMCRandom = [16]byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f}
	simGUID      = [16]byte{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8, 0xa9, 0xaa, 0xab, 0xac, 0xad, 0xae, 0xaf}
	simChallenge = bytes.Repeat([]byte{0xc5}, 16)
	simIV        = bytes.Repeat([]byte{0x3c}, 16)
	simDeviceID  = []byte{0x20, 0x81, 0x02, 0x03, 0x02, 0xbf, 0x57, 0x01, 0x00, 0x00, 0x01}
)

// simHandler answers one IPMI request with a completion code and data
type simHandler func(req *ipmi.Message) (uint8, []byte)

type simKey struct {
	netfn uint8
	cmd   uint8
}

// bmcSim is a UDP BMC on 127.0.0.1
type bmcSim struct {
	t    *testing.T
	conn *net.UDPConn
	wg   sync.WaitGroup

	lock     sync.Mutex
	user     string
	password string
	kg       []byte
	handlers map[simKey]simHandler

	// behaviour
	ipmi20          bool
	rejectExtended  bool
	refuseAdmin     bool
	rejectAdminRole bool
	silent          bool
	refuseAllPriv   bool
	wrongSID        int
	rakp4Status     uint8
	rakp4Fails      int
	staleSeq        int

	// observations
	commands   []simKey
	requests   []*ipmi.Message
	closed     int
	pings      int
	openCount  int
	lastRole   uint8
	sessionKey *ipmi.SessionKeys

	// session state
	seq15       uint32
	seq20       uint32
	consoleSID  uint32
	consoleRand []byte
	role        uint8
	rakpUser    []byte
	keys        *ipmi.SessionKeys
}

func newBMCSim(t *testing.T, user, password string, ipmi20 bool) *bmcSim {
	conn, e := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, e)
	s := &bmcSim{
		t:        t,
		conn:     conn,
		user:     user,
		password: password,
		ipmi20:   ipmi20,
		handlers: make(map[simKey]simHandler),
	}
	s.SetHandler(ipmi.IPMIFnAppReq, ipmi.IPMICmdGetDeviceID, func(*ipmi.Message) (uint8, []byte) {
		return 0, simDeviceID
	})
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Stop)
	return s
}

// SetHandler installs a handler for netfn/cmd
func (s *bmcSim) SetHandler(netfn, cmd uint8, h simHandler) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.handlers[simKey{netfn, cmd}] = h
}

func (s *bmcSim) Port() int { return s.conn.LocalAddr().(*net.UDPAddr).Port }

func (s *bmcSim) Config() SessionConfig {
	return SessionConfig{Host: "127.0.0.1", Port: s.Port(), User: s.user, Password: s.password, Kg: s.kg}
}

func (s *bmcSim) Stop() {
	s.conn.Close()
	s.wg.Wait()
}

func (s *bmcSim) set(f func(s *bmcSim)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	f(s)
}

// Count reports how many requests for cmd have arrived
func (s *bmcSim) Count(netfn, cmd uint8) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	n := 0
	for _, k := range s.commands {
		if k.netfn == netfn && k.cmd == cmd {
			n++
		}
	}
	return n
}

func (s *bmcSim) Closed() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// Opens reports how many RMCP+ open session requests have arrived
func (s *bmcSim) Opens() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.openCount
}

func (s *bmcSim) Requests() []*ipmi.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]*ipmi.Message{}, s.requests...)
}

func (s *bmcSim) serve() {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, addr, e := s.conn.ReadFromUDP(buf)
		if e != nil {
			return
		}
		frame := append([]byte{}, buf[:n]...)
		s.lock.Lock()
		replies := s.handle(frame)
		s.lock.Unlock()
		for _, r := range replies {
			s.conn.WriteToUDP(r, addr)
		}
	}
}

func (s *bmcSim) handle(frame []byte) [][]byte {
	if ipmi.IsRMCPASF(frame) {
		if len(frame) < 10 {
			return nil
		}
		s.pings++
		return [][]byte{ipmi.NewASFPong(frame[9], ipmi.ASFEntitiesIPMISupport, 0)}
	}
	if !ipmi.IsRMCPIPMI(frame) {
		return nil
	}
	switch frame[4] {
	case ipmi.IPMIAuthTypeNONE, ipmi.IPMIAuthTypeMD5:
		return s.handle15(frame)
	case ipmi.IPMIAuthTypeRMCPPlus:
		return s.handle20(frame)
	}
	return nil
}

/*
 * IPMI 1.5
 */

func (s *bmcSim) handle15(frame []byte) [][]byte {
	p, e := ipmi.DecodePacket15(frame)
	if e != nil {
		return nil
	}
	if e = ipmi.Verify15(p, []byte(s.password)); e != nil {
		return nil
	}
	req, e := ipmi.DecodeMessage(p.Payload)
	if e != nil {
		return nil
	}
	var out [][]byte
	for _, payload := range s.dispatch(req, p.Payload) {
		s.seq15++
		rp := &ipmi.Packet15{AuthType: p.AuthType, Sequence: s.seq15, SessionID: p.SessionID, Payload: payload}
		if s.wrongSID > 0 {
			s.wrongSID--
			rp.SessionID++
		}
		if rp.AuthType == ipmi.IPMIAuthTypeMD5 {
			rp.AuthCode, _ = ipmi.AuthCode15([]byte(s.password), rp.SessionID, payload, rp.Sequence)
		}
		if f, e := ipmi.EncodePacket15(rp); e == nil {
			out = append(out, f)
		}
	}
	return out
}

/*
 * RMCP+
 */

func (s *bmcSim) envelope() *ipmi.Envelope {
	if s.keys == nil {
		return nil
	}
	return &ipmi.Envelope{Integrity: true, Confidential: true, K1: s.keys.K1, AESKey: s.keys.AESKey}
}

func (s *bmcSim) reply20(ptype uint8, sid uint32, payload []byte, env *ipmi.Envelope) []byte {
	var seq uint32
	if ptype == ipmi.PayloadIPMI {
		if s.staleSeq > 0 {
			s.staleSeq--
		} else {
			s.seq20++
			seq = s.seq20
		}
	}
	f, _ := ipmi.EncodePacket20(&ipmi.Packet20{PayloadType: ptype, SessionID: sid, Sequence: seq, Payload: payload}, env, simIV)
	return f
}

func (s *bmcSim) handle20(frame []byte) [][]byte {
	if len(frame) < 16 {
		return nil
	}
	ptype := frame[5] & ipmi.PayloadTypeMask
	if ptype == ipmi.PayloadIPMI {
		p, e := ipmi.DecodePacket20(frame, s.envelope())
		if e != nil || p.SessionID != simBMCSID {
			return nil
		}
		req, e := ipmi.DecodeMessage(p.Payload)
		if e != nil {
			return nil
		}
		var out [][]byte
		for _, payload := range s.dispatch(req, p.Payload) {
			sid := s.consoleSID
			if s.wrongSID > 0 {
				s.wrongSID--
				sid++
			}
			out = append(out, s.reply20(ipmi.PayloadIPMI, sid, payload, s.envelope()))
		}
		return out
	}
	p, e := ipmi.DecodePacket20(frame, nil)
	if e != nil {
		return nil
	}
	if s.silent {
		return nil
	}
	b := p.Payload
	switch ptype {
	case ipmi.PayloadOpenSessionReq:
		if len(b) < 8 {
			return nil
		}
		s.openCount++
		s.keys = nil
		s.seq20 = 0
		s.consoleSID = binary.LittleEndian.Uint32(b[4:8])
		rsp := []byte{b[0], 0, ipmi.IPMIPrivAdmin, 0}
		rsp = append(rsp, le32(s.consoleSID)...)
		rsp = append(rsp, le32(simBMCSID)...)
		rsp = append(rsp, b[8:]...)
		return [][]byte{s.reply20(ipmi.PayloadOpenSessionResp, 0, rsp, nil)}
	case ipmi.PayloadRAKP1:
		if len(b) < 28 {
			return nil
		}
		tag := b[0]
		s.consoleRand = append([]byte{}, b[8:24]...)
		s.role = b[24]
		s.lastRole = b[24]
		ulen := int(b[27])
		s.rakpUser = append([]byte{}, b[28:28+ulen]...)
		status := uint8(0)
		switch {
		case s.rejectAdminRole && s.role&0x0f == ipmi.IPMIPrivAdmin:
			status = 0x09
		case string(s.rakpUser) != s.user:
			status = 0x0d
		}
		if status != 0 {
			rsp := append([]byte{tag, status, 0, 0}, le32(s.consoleSID)...)
			return [][]byte{s.reply20(ipmi.PayloadRAKP2, 0, rsp, nil)}
		}
		rsp := append([]byte{tag, 0, 0, 0}, le32(s.consoleSID)...)
		rsp = append(rsp, simBMCRandom[:]...)
		rsp = append(rsp, simGUID[:]...)
		rsp = append(rsp, ipmi.RAKP2AuthCode([]byte(s.password), s.consoleSID, simBMCSID,
			s.consoleRand, simBMCRandom[:], simGUID[:], s.role, s.rakpUser)...)
		return [][]byte{s.reply20(ipmi.PayloadRAKP2, 0, rsp, nil)}
	case ipmi.PayloadRAKP3:
		if len(b) < 8 {
			return nil
		}
		tag := b[0]
		expect := ipmi.RAKP3AuthCode([]byte(s.password), simBMCRandom[:], s.consoleSID, s.role, s.rakpUser)
		if !bytes.Equal(expect, b[8:]) {
			rsp := append([]byte{tag, 0x0f, 0, 0}, le32(s.consoleSID)...)
			return [][]byte{s.reply20(ipmi.PayloadRAKP4, 0, rsp, nil)}
		}
		if s.rakp4Fails > 0 {
			s.rakp4Fails--
			rsp := append([]byte{tag, s.rakp4Status, 0, 0}, le32(s.consoleSID)...)
			return [][]byte{s.reply20(ipmi.PayloadRAKP4, 0, rsp, nil)}
		}
		kg := s.kg
		if len(kg) == 0 {
			kg = []byte(s.password)
		}
		s.keys = ipmi.DeriveKeys(kg, s.consoleRand, simBMCRandom[:], s.role, s.rakpUser)
		s.sessionKey = s.keys
		rsp := append([]byte{tag, 0, 0, 0}, le32(s.consoleSID)...)
		rsp = append(rsp, ipmi.RAKP4ICV(s.keys.SIK, s.consoleRand, simBMCSID, simGUID[:])...)
		return [][]byte{s.reply20(ipmi.PayloadRAKP4, 0, rsp, nil)}
	}
	return nil
}

/*
 * commands
 */

func simResponse(req *ipmi.Message, src uint8, code uint8, data []byte) []byte {
	return ipmi.EncodeMessage(&ipmi.Message{
		DstAddr: req.SrcAddr,
		NetFn:   req.NetFn + 1,
		SrcAddr: src,
		SeqLUN:  req.SeqLUN,
		Command: req.Command,
		Data:    append([]byte{code}, data...),
	})
}

// dispatch answers a request with one or more response payloads
func (s *bmcSim) dispatch(req *ipmi.Message, raw []byte) [][]byte {
	s.commands = append(s.commands, simKey{req.NetFn, req.Command})
	s.requests = append(s.requests, req)
	if s.silent {
		return nil
	}
	if req.NetFn == ipmi.IPMIFnAppReq {
		switch req.Command {
		case ipmi.IPMICmdGetChanAuthCap:
			return [][]byte{s.chanAuthCap(req)}
		case ipmi.IPMICmdGetSessionChal:
			name := string(bytes.TrimRight(req.Data[1:], "\x00"))
			if name != s.user {
				return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0x81, nil)}
			}
			return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0, append(le32(simTempSID15), simChallenge...))}
		case ipmi.IPMICmdActivateSess:
			data := []byte{ipmi.IPMIAuthTypeMD5}
			data = append(data, le32(simSID15)...)
			data = append(data, le32(simInitialSeq15)...)
			data = append(data, req.Data[1])
			return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0, data)}
		case ipmi.IPMICmdSetSessionPriv:
			if s.refuseAllPriv || s.refuseAdmin && req.Data[0] == ipmi.IPMIPrivAdmin {
				return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0x80, nil)}
			}
			return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0, []byte{req.Data[0]})}
		case ipmi.IPMICmdCloseSess:
			s.closed++
			return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0, nil)}
		case ipmi.IPMICmdSendMessage:
			return s.bridge(req, raw)
		}
	}
	if h, ok := s.handlers[simKey{req.NetFn, req.Command}]; ok {
		code, data := h(req)
		return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, code, data)}
	}
	return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0xc1, nil)}
}

func (s *bmcSim) chanAuthCap(req *ipmi.Message) []byte {
	extended := req.Data[0]&ipmi.IPMIGetChanAuthCapExtended != 0
	if extended && s.rejectExtended {
		return simResponse(req, ipmi.IPMIAddrBMC, ipmi.IPMICmpInvalidField, nil)
	}
	data := []byte{0x01, ipmi.IPMIAuthTypeBFMD5, 0x04, 0x00, 0, 0, 0, 0}
	if s.ipmi20 && extended {
		data[1] |= ipmi.IPMIAuthTypeBFIPMI2
		data[3] |= ipmi.IPMIChanBFIPMI2Conn
	}
	return simResponse(req, ipmi.IPMIAddrBMC, 0, data)
}

// bridge acknowledges a Send Message request, then answers the inner request on its behalf
func (s *bmcSim) bridge(req *ipmi.Message, raw []byte) [][]byte {
	seqlun, br, inner, e := ipmi.DecodeBridgedMessage(raw)
	if e != nil {
		return [][]byte{simResponse(req, ipmi.IPMIAddrBMC, 0xcc, nil)}
	}
	ack := ipmi.EncodeMessage(&ipmi.Message{
		DstAddr: req.SrcAddr,
		NetFn:   ipmi.IPMIFnAppRes,
		SrcAddr: ipmi.IPMIAddrBMC,
		SeqLUN:  seqlun,
		Command: ipmi.IPMICmdSendMessage,
		Data:    []byte{0},
	})
	code, data := uint8(0xc1), []byte(nil)
	if h, ok := s.handlers[simKey{inner.NetFn, inner.Command}]; ok {
		code, data = h(inner)
	}
	rsp := ipmi.EncodeMessage(&ipmi.Message{
		DstAddr: req.SrcAddr,
		NetFn:   inner.NetFn + 1,
		SrcAddr: br.Addr,
		SeqLUN:  inner.SeqLUN,
		Command: inner.Command,
		Data:    append([]byte{code}, data...),
	})
	return [][]byte{ack, rsp}
}

/*
 * helpers shared by the core tests
 */

func testConfig() *Config {
	return &Config{
		InitialTimeout:        200 * time.Millisecond,
		TimeoutJitter:         0,
		TimeoutStep:           100 * time.Millisecond,
		MaxTimeoutInitial:     600 * time.Millisecond,
		MaxTimeoutEstablished: time.Second,
		KeepaliveInterval:     time.Hour,
		KeepaliveJitter:       0,
		MaxSessionsPerSocket:  4,
		ReactorIdle:           time.Second,
		LogLevel:              "DDDEBUG",
	}
}

// the nonce every test Manager draws
var fixedNonce = bytes.Repeat([]byte{0x5a}, 16)

// repeatReader makes nonces predictable
type repeatReader byte

func (r repeatReader) Read(b []byte) (int, error) {
	for i := range b {
		b[i] = byte(r)
	}
	return len(b), nil
}

func newTestManager(t *testing.T, cfg *Config) *Manager {
	if cfg == nil {
		cfg = testConfig()
	}
	m, e := NewManager(cfg, NewLogrusLogger(testWriter{t}, "test", DDDEBUG))
	require.NoError(t, e)
	m.random = repeatReader(0x5a)
	t.Cleanup(m.Close)
	return m
}

// testWriter sends log output through t.Log
type testWriter struct{ t *testing.T }

func (w testWriter) Write(b []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(b, "\n")))
	return len(b), nil
}

// pump runs the event loop until done reports true or the deadline passes
func pump(t *testing.T, m *Manager, limit time.Duration, done func() bool) {
	deadline := time.Now().Add(limit)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", limit)
		}
		m.WaitForRsp(20 * time.Millisecond)
	}
}
