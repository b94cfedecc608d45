/* Transport.go: session framing, transmission, retry and response correlation
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	"golang.org/x/sys/unix"
)

// reasons a received frame is dropped, used as metric labels
const (
	dropUnknownPeer = "unknown_peer"
	dropMalformed   = "malformed"
	dropSequence    = "sequence"
	dropSessionID   = "session_id"
	dropAuth        = "auth"
	dropUnexpected  = "unexpected"
)

// sendIPMICommand queues or transmits an IPMI request
func (s *Session) sendIPMICommand(req Request, cb func(*ipmi.Response)) error {
	r := req
	return s.sendPayload(&outbound{
		ptype: ipmi.PayloadIPMI,
		req:   &r,
		retry: !req.NoRetry,
		delay: req.DelayXmit,
		cb:    cb,
	})
}

// sendRMCPPlus transmits a session establishment payload; a final timeout fails the login
func (s *Session) sendRMCPPlus(ptype uint8, payload []byte) {
	if e := s.sendPayload(&outbound{
		ptype:   ptype,
		payload: payload,
		retry:   true,
		cb:      s.onLogon,
	}); e != nil {
		s.loginFailed(e.Error())
	}
}

// sendPayload queues ob behind the in-flight payload, or transmits it now
func (s *Session) sendPayload(ob *outbound) error {
	if s.inflight != nil {
		s.pending = append(s.pending, ob)
		return nil
	}
	return s.transmit(ob)
}

// transmit frames and sends ob; retried payloads become the in-flight payload
func (s *Session) transmit(ob *outbound) error {
	if ob.req != nil && ob.payload == nil {
		ob.payload = s.buildIPMIPayload(ob.req)
	}
	frame, e := s.wrap(ob.ptype, ob.payload)
	if e != nil {
		return e
	}
	if ob.retry {
		s.inflight = ob
	}
	if s.sequence != 0 {
		s.sequence++
	}
	s.refreshKeepalive()
	delay := ob.delay
	ob.delay = 0
	if e = s.xmit(frame, ob.retry, delay); e != nil && ob.retry {
		s.inflight = nil
		delete(s.m.waiting, s)
	}
	return e
}

// buildIPMIPayload assigns a sequence number and records the expected response
func (s *Session) buildIPMIPayload(req *Request) []byte {
	s.expectedNetFn = uint16(req.NetFn) + 1
	s.expectedCmd = uint16(req.Command)
	for skips := maxTabooSkips; skips > 0; skips-- {
		k := tabooKey{netfn: req.NetFn, cmd: req.Command, seqlun: s.seqLUN}
		n, ok := s.taboo[k]
		if !ok {
			break
		}
		if n <= 1 {
			delete(s.taboo, k)
		} else {
			s.taboo[k] = n - 1
		}
		s.seqLUN += 4
	}
	m := &ipmi.Message{
		DstAddr: ipmi.IPMIAddrBMC,
		NetFn:   req.NetFn,
		SrcAddr: s.rqAddr,
		SeqLUN:  s.seqLUN,
		Command: req.Command,
		Data:    req.Data,
	}
	var payload []byte
	if req.Bridge != nil {
		payload = ipmi.EncodeBridgedMessage(m, req.Bridge, s.seqLUN)
		s.entries = append(s.entries, requestEntry{
			netfn:  ipmi.IPMIFnAppRes,
			seqlun: s.seqLUN,
			cmd:    ipmi.IPMICmdSendMessage,
		})
	} else {
		payload = ipmi.EncodeMessage(m)
	}
	s.entries = append(s.entries, requestEntry{netfn: req.NetFn + 1, seqlun: s.seqLUN, cmd: req.Command})
	return payload
}

// wrap frames a payload in the session's current format
func (s *Session) wrap(ptype uint8, payload []byte) ([]byte, error) {
	if s.ipmiVersion != 20 {
		p := &ipmi.Packet15{
			AuthType:  s.authType,
			Sequence:  s.sequence,
			SessionID: s.sessionID,
			Payload:   payload,
		}
		if s.authType == ipmi.IPMIAuthTypeMD5 {
			ac, e := ipmi.AuthCode15(s.password, s.sessionID, payload, s.sequence)
			if e != nil {
				return nil, e
			}
			p.AuthCode = ac
		}
		return ipmi.EncodePacket15(p)
	}
	var iv []byte
	env := s.envelope()
	if env != nil && env.Confidential {
		iv = s.m.randBytes(16)
	}
	return ipmi.EncodePacket20(&ipmi.Packet20{
		PayloadType: ptype,
		SessionID:   s.sessionID,
		Sequence:    s.sequence,
		Payload:     payload,
	}, env, iv)
}

func (s *Session) envelope() *ipmi.Envelope {
	if s.keys == nil {
		return nil
	}
	return &ipmi.Envelope{
		Integrity:    s.integrity,
		Confidential: s.confidential,
		K1:           s.keys.K1,
		AESKey:       s.keys.AESKey,
	}
}

// xmit sends frame to the pinned peer, or to every resolved address until one answers
func (s *Session) xmit(frame []byte, retry bool, delay time.Duration) error {
	if delay > 0 {
		s.m.waiting[s] = time.Now().Add(delay)
		return nil
	}
	if s.IsEnabledFor(DDDEBUG) {
		s.Logf(DDDEBUG, "tx frame:\n%s", spew.Sdump(frame))
	}
	if s.sockaddr != nil {
		if e := s.m.reactor.SendTo(s.socket, frame, s.sockaddr); e != nil {
			return e
		}
		s.m.metrics.sent.Inc()
	} else {
		addrs, e := resolveSockaddrs(s.cfg.Host, s.cfg.Port)
		if e != nil {
			return e
		}
		s.allSockaddrs = addrs
		for _, sa := range addrs {
			s.m.handlers[keyOf(sa)] = s
			if e = s.m.reactor.SendTo(s.socket, frame, sa); e != nil {
				return e
			}
			s.m.metrics.sent.Inc()
		}
	}
	if retry {
		s.m.waiting[s] = time.Now().Add(s.timeout)
	}
	return nil
}

// timedOut handles an expired retry deadline
func (s *Session) timedOut() {
	ob := s.inflight
	if ob == nil {
		return
	}
	s.timeout += s.m.cfg.TimeoutStep
	if s.timeout > s.maxTimeout {
		s.m.metrics.timeouts.Inc()
		s.inflight = nil
		if ob.cb != nil {
			ob.cb(&ipmi.Response{Error: "timeout", Code: ipmi.IPMICmpTimeout})
		}
		s.markBroken()
		return
	}
	if s.context == ctxFailed {
		return
	}
	s.m.metrics.retransmits.Inc()
	switch s.context {
	case ctxOpenSession:
		// a fresh request gets an unambiguous tag and session id
		s.inflight = nil
		s.openRMCPPlusRequest()
	case ctxExpectingRAKP2, ctxExpectingRAKP4:
		// BMCs do not take RAKP1 or RAKP3 twice, start over
		s.inflight = nil
		s.relog()
	default:
		s.hasRetried = true
		if ob.req != nil {
			s.taboo[tabooKey{netfn: ob.req.NetFn, cmd: ob.req.Command, seqlun: s.seqLUN}] = tabooCycles
		}
		s.inflight = nil
		if e := s.transmit(ob); e != nil {
			s.Logf(DEBUG, "retransmit failed: %v", e)
			if ob.cb != nil {
				ob.cb(&ipmi.Response{Error: e.Error()})
			}
		}
	}
}

/*
 * inbound
 */

// handlePacket takes a frame routed to this session by peer address
func (s *Session) handlePacket(frame []byte, from *unix.SockaddrInet6) {
	if s.sockaddr == nil {
		s.sockaddr = from
	} else if keyOf(s.sockaddr) != keyOf(from) {
		s.drop(dropUnknownPeer, "frame from %s while pinned to %s", sockaddrString(from), sockaddrString(s.sockaddr))
		return
	}
	if len(frame) < 5 {
		s.drop(dropMalformed, "runt frame")
		return
	}
	switch frame[4] {
	case ipmi.IPMIAuthTypeNONE, ipmi.IPMIAuthTypeMD5:
		s.handle15(frame)
	case ipmi.IPMIAuthTypeRMCPPlus:
		s.handle20(frame)
	default:
		s.drop(dropMalformed, "unsupported auth type %d", frame[4])
	}
}

func (s *Session) handle15(frame []byte) {
	p, e := ipmi.DecodePacket15(frame)
	if e != nil {
		s.drop(dropMalformed, "ipmi 1.5 frame: %v", e)
		return
	}
	if s.haveRemSeq15 && p.Sequence < s.remSeq15 {
		s.drop(dropSequence, "remote sequence %d went backwards from %d", p.Sequence, s.remSeq15)
		return
	}
	s.remSeq15, s.haveRemSeq15 = p.Sequence, true
	if p.AuthType != s.authType {
		s.drop(dropAuth, "auth type %d, expected %d", p.AuthType, s.authType)
		return
	}
	if p.SessionID != s.sessionID {
		s.drop(dropSessionID, "session id %#08x, expected %#08x", p.SessionID, s.sessionID)
		return
	}
	if p.AuthType == ipmi.IPMIAuthTypeMD5 {
		if e = ipmi.Verify15(p, s.password); e != nil {
			s.drop(dropAuth, "%v", e)
			return
		}
	}
	s.parseIPMIPayload(p.Payload)
}

func (s *Session) handle20(frame []byte) {
	if len(frame) < 16 {
		s.drop(dropMalformed, "runt RMCP+ frame")
		return
	}
	ptype := frame[5] & ipmi.PayloadTypeMask
	switch ptype {
	case ipmi.PayloadOpenSessionResp, ipmi.PayloadRAKP2, ipmi.PayloadRAKP4:
		p, e := ipmi.DecodePacket20(frame, nil)
		if e != nil {
			s.drop(dropMalformed, "RMCP+ establishment frame: %v", e)
			return
		}
		switch ptype {
		case ipmi.PayloadOpenSessionResp:
			s.gotOpenSessionResponse(p.Payload)
		case ipmi.PayloadRAKP2:
			s.gotRAKP2(p.Payload)
		case ipmi.PayloadRAKP4:
			s.gotRAKP4(p.Payload)
		}
	case ipmi.PayloadIPMI, ipmi.PayloadSOL:
		p, e := ipmi.DecodePacket20(frame, s.envelope())
		if e != nil {
			s.drop(dropAuth, "RMCP+ session frame: %v", e)
			return
		}
		if p.SessionID != s.localSID {
			s.drop(dropSessionID, "session id %#08x, expected %#08x", p.SessionID, s.localSID)
			return
		}
		if s.haveRemSeq20 && p.Sequence < s.remSeq20 && s.remSeq20 != 0xffffffff {
			s.drop(dropSequence, "remote sequence %d went backwards from %d", p.Sequence, s.remSeq20)
			return
		}
		s.remSeq20, s.haveRemSeq20 = p.Sequence, true
		if ptype == ipmi.PayloadIPMI {
			s.parseIPMIPayload(p.Payload)
		} else {
			s.drop(dropUnexpected, "SOL payload without a console")
		}
	default:
		s.drop(dropUnexpected, "payload type %#02x", ptype)
	}
}

// parseIPMIPayload correlates a response with an outstanding request
func (s *Session) parseIPMIPayload(payload []byte) {
	m, e := ipmi.DecodeMessage(payload)
	if e != nil {
		s.drop(dropMalformed, "ipmi message: %v", e)
		return
	}
	entry := requestEntry{netfn: m.NetFn, seqlun: m.SeqLUN, cmd: m.Command}
	if !s.removeEntry(entry) {
		s.drop(dropUnexpected, "no request for netfn %#02x cmd %#02x seqlun %#02x", m.NetFn, m.Command, m.SeqLUN)
		return
	}
	if (entry.netfn == ipmi.IPMIFnAppReq || entry.netfn == ipmi.IPMIFnAppRes) &&
		entry.cmd == ipmi.IPMICmdSendMessage && payload[len(payload)-2] == 0 {
		// the bridge accepted the request; the real answer follows
		return
	}
	s.m.metrics.received.Inc()
	s.parsePayload(m)
}

func (s *Session) removeEntry(entry requestEntry) bool {
	for i, e := range s.entries {
		if e == entry {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// parsePayload completes the in-flight request with m and releases the next queued one
func (s *Session) parsePayload(m *ipmi.Message) {
	s.hasRetried = false
	s.expectedNetFn, s.expectedCmd = noExpect, noExpect
	done := m.SeqLUN
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.seqlun != done {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	s.seqLUN += 4
	delete(s.m.waiting, s)
	ob := s.inflight
	s.inflight = nil
	s.timeout = s.initialTimeout()
	for len(s.pending) > 0 && s.inflight == nil {
		next := s.pending[0]
		s.pending = s.pending[1:]
		if e := s.transmit(next); e != nil && next.cb != nil {
			next.cb(&ipmi.Response{Error: e.Error()})
		}
	}
	if ob != nil && ob.cb != nil {
		ob.cb(ipmi.ParseResponse(m))
	}
}

func (s *Session) drop(reason, f string, va ...interface{}) {
	s.m.metrics.dropped.WithLabelValues(reason).Inc()
	s.Logf(DDEBUG, "dropping frame: "+f, va...)
}
