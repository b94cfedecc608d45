/* Handshake.go: IPMI 1.5 and RMCP+ session establishment
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kraken-hpc/ipmisession/lib/ipmi"
)

// login starts establishment from scratch with a fresh allowance of retries
func (s *Session) login() {
	s.logonTries = maxLogonTries
	s.initSession()
	s.getChannelAuthCap()
}

// relog abandons the current attempt and starts over
func (s *Session) relog() {
	s.logonTries--
	if s.logonTries < 0 {
		s.loginFailed("Exhausted login attempts")
		return
	}
	s.initSession()
	s.getChannelAuthCap()
}

// initSession resets all per-attempt state
func (s *Session) initSession() {
	delete(s.m.waiting, s)
	s.localSID = initialLocalSID
	s.pendingSID = 0
	s.sessionID = 0
	s.sequence = 0
	s.authType = ipmi.IPMIAuthTypeNONE
	s.ipmiVersion = 15
	s.ipmi15Only = false
	s.integrity = false
	s.confidential = false
	s.keys.Clear()
	s.keys = nil
	s.localRandom = nil
	s.remoteRandom = nil
	s.remoteGUID = nil
	s.rmcpTag = 1
	s.context = ctxNone
	s.seqLUN = 0
	s.rqAddr = ipmi.IPMIAddrRemoteSWID
	s.taboo = make(map[tabooKey]int)
	s.entries = nil
	s.expectedNetFn, s.expectedCmd = noExpect, noExpect
	s.hasRetried = false
	s.haveRemSeq15, s.haveRemSeq20 = false, false
	s.remSeq15, s.remSeq20 = 0, 0
	s.timeout = s.initialTimeout()
	s.sockaddr = nil
	s.inflight = nil
	if s.logged {
		s.m.metrics.logged.Dec()
	}
	s.logged = false
}

// sendHandshakeCommand sends an IPMI request whose response drives the next step
func (s *Session) sendHandshakeCommand(cmd uint8, data []byte, next func(*ipmi.Response)) {
	if e := s.sendIPMICommand(Request{NetFn: ipmi.IPMIFnAppReq, Command: cmd, Data: data}, next); e != nil {
		s.loginFailed(e.Error())
	}
}

func (s *Session) getChannelAuthCap() {
	ch := ipmi.IPMIGetChanAuthCapCurrent
	if !s.ipmi15Only {
		ch |= ipmi.IPMIGetChanAuthCapExtended
	}
	s.sendHandshakeCommand(ipmi.IPMICmdGetChanAuthCap, []byte{ch, s.privLevel}, s.gotChannelAuthCap)
}

func (s *Session) gotChannelAuthCap(r *ipmi.Response) {
	if r.Error != "" {
		s.onLogon(r)
		return
	}
	s.maxTimeout = s.m.cfg.MaxTimeoutEstablished
	if r.Code == uint16(ipmi.IPMICmpInvalidField) && !s.ipmi15Only {
		// the BMC does not understand the IPMI 2.0 extension bit
		s.ipmi15Only = true
		s.getChannelAuthCap()
		return
	}
	if es := ipmi.ErrorString(r, " while trying to get channel authentication capabilities"); es != "" {
		s.loginFailed(es)
		return
	}
	if len(r.Data) < 4 {
		s.loginFailed("Invalid channel authentication capabilities response")
		return
	}
	s.currentChannel = r.Data[0]
	if r.Data[1]&ipmi.IPMIAuthTypeBFIPMI2 != 0 && r.Data[3]&ipmi.IPMIChanBFIPMI2Conn != 0 {
		s.ipmiVersion = 20
	}
	if s.ipmiVersion == 20 {
		s.openRMCPPlusRequest()
		return
	}
	if r.Data[1]&ipmi.IPMIAuthTypeBFMD5 == 0 {
		s.loginFailed("MD5 required but not enabled/available on target BMC")
		return
	}
	if len(s.password) > 16 {
		s.loginFailed("Password is too long for ipmi 1.5")
		return
	}
	s.getSessionChallenge()
}

/*
 * IPMI 1.5
 */

func (s *Session) getSessionChallenge() {
	data := make([]byte, 17)
	data[0] = ipmi.IPMIAuthTypeMD5
	copy(data[1:], s.user)
	s.sendHandshakeCommand(ipmi.IPMICmdGetSessionChal, data, s.gotSessionChallenge)
}

func (s *Session) gotSessionChallenge(r *ipmi.Response) {
	if es := ipmi.ErrorString(r, " while getting session challenge"); es != "" {
		s.loginFailed(es)
		return
	}
	if len(r.Data) < 20 {
		s.loginFailed("Invalid session challenge response")
		return
	}
	s.sessionID = binary.LittleEndian.Uint32(r.Data[0:4])
	s.authType = ipmi.IPMIAuthTypeMD5
	s.activateSession(r.Data[4:20])
}

func (s *Session) activateSession(challenge []byte) {
	data := make([]byte, 0, 22)
	data = append(data, ipmi.IPMIAuthTypeMD5, s.privLevel)
	data = append(data, challenge...)
	// initial outbound sequence number
	data = append(data, 1, 0, 0, 0)
	s.sendHandshakeCommand(ipmi.IPMICmdActivateSess, data, s.activatedSession)
}

func (s *Session) activatedSession(r *ipmi.Response) {
	if es := ipmi.ErrorString(r, " while activating session"); es != "" {
		s.loginFailed(es)
		return
	}
	if len(r.Data) < 9 {
		s.loginFailed("Invalid activate session response")
		return
	}
	s.sessionID = binary.LittleEndian.Uint32(r.Data[1:5])
	s.sequence = binary.LittleEndian.Uint32(r.Data[5:9])
	s.reqPrivLevel()
}

/*
 * privilege
 */

func (s *Session) reqPrivLevel() {
	s.sendHandshakeCommand(ipmi.IPMICmdSetSessionPriv, []byte{s.privLevel}, s.gotPrivLevel)
}

func (s *Session) gotPrivLevel(r *ipmi.Response) {
	if r.Error == "" && (r.Code == 0x80 || r.Code == 0x81) && s.privLevel == ipmi.IPMIPrivAdmin {
		s.Logf(NOTICE, "administrator privilege refused, retrying as operator")
		s.privLevel = ipmi.IPMIPrivOperator
		s.sendClose()
		s.relog()
		return
	}
	if es := ipmi.ErrorString(r, fmt.Sprintf(" while requesting privilege level %d for %s", s.privLevel, s.cfg.User)); es != "" {
		s.loginFailed(es)
		return
	}
	s.logged = true
	s.m.metrics.logged.Inc()
	s.m.keepalives[s] = time.Now().Add(s.keepaliveDelay())
	s.onLogon(&ipmi.Response{NetFn: r.NetFn, Command: r.Command, Data: []byte{}})
}

/*
 * RMCP+
 */

func (s *Session) openRMCPPlusRequest() {
	s.authType = ipmi.IPMIAuthTypeRMCPPlus
	s.rmcpTag++
	s.localSID++
	s.context = ctxOpenSession
	s.sendRMCPPlus(ipmi.PayloadOpenSessionReq, ipmi.NewOpenSessionRequest(s.rmcpTag, s.localSID))
}

func (s *Session) role() uint8 { return ipmi.RAKPNameOnly | s.privLevel }

func (s *Session) gotOpenSessionResponse(payload []byte) {
	if s.context != ctxOpenSession {
		s.drop(dropUnexpected, "open session response in state %s", s.context)
		return
	}
	tag, status, e := ipmi.StatusHeader(payload)
	if e != nil {
		s.drop(dropMalformed, "%v", e)
		return
	}
	if tag != s.rmcpTag {
		s.drop(dropUnexpected, "stale open session response tag %d", tag)
		return
	}
	if status != 0 {
		s.loginFailed(ipmi.RMCPStatusString(status))
		return
	}
	rsp, e := ipmi.ParseOpenSessionResponse(payload)
	if e != nil {
		s.drop(dropMalformed, "%v", e)
		return
	}
	if rsp.ConsoleSID != s.localSID {
		s.drop(dropSessionID, "open session response for %#08x", rsp.ConsoleSID)
		return
	}
	s.pendingSID = rsp.BMCSID
	s.inflight = nil
	s.sendRAKP1()
}

func (s *Session) sendRAKP1() {
	s.rmcpTag++
	s.localRandom = s.m.randBytes(16)
	s.context = ctxExpectingRAKP2
	s.sendRMCPPlus(ipmi.PayloadRAKP1, ipmi.NewRAKP1(s.rmcpTag, s.pendingSID, s.localRandom, s.role(), s.user))
}

func (s *Session) gotRAKP2(payload []byte) {
	if s.context != ctxExpectingRAKP2 && s.context != ctxExpectingRAKP4 {
		s.drop(dropUnexpected, "RAKP2 in state %s", s.context)
		return
	}
	tag, status, e := ipmi.StatusHeader(payload)
	if e != nil {
		s.drop(dropMalformed, "%v", e)
		return
	}
	if tag != s.rmcpTag {
		s.drop(dropUnexpected, "stale RAKP2 tag %d", tag)
		return
	}
	if status != 0 {
		switch {
		case (status == 0x09 || status == 0x0d) && s.privLevel == ipmi.IPMIPrivAdmin:
			s.Logf(NOTICE, "BMC refused administrator role (%s), retrying as operator", ipmi.RMCPStatusString(status))
			s.privLevel = ipmi.IPMIPrivOperator
			s.login()
		case status == 0x02:
			// an earlier retry invalidated this exchange
		default:
			s.loginFailed(ipmi.RMCPStatusString(status) + " in RAKP2")
		}
		return
	}
	m, e := ipmi.ParseRAKP2(payload)
	if e != nil {
		s.drop(dropMalformed, "%v", e)
		return
	}
	if m.ConsoleSID != s.localSID {
		s.drop(dropSessionID, "RAKP2 for %#08x", m.ConsoleSID)
		return
	}
	if !ipmi.VerifyRAKP2(m, s.password, s.localSID, s.pendingSID, s.localRandom, s.role(), s.user) {
		s.context = ctxFailed
		s.loginFailed("Incorrect password provided")
		return
	}
	s.remoteRandom = append([]byte{}, m.BMCRandom[:]...)
	s.remoteGUID = append([]byte{}, m.BMCGUID[:]...)
	s.keys = ipmi.DeriveKeys(s.kg, s.localRandom, s.remoteRandom, s.role(), s.user)
	s.context = ctxExpectingRAKP4
	s.inflight = nil
	s.sendRAKP3()
}

func (s *Session) sendRAKP3() {
	s.rmcpTag++
	ac := ipmi.RAKP3AuthCode(s.password, s.remoteRandom, s.localSID, s.role(), s.user)
	s.sendRMCPPlus(ipmi.PayloadRAKP3, ipmi.NewRAKP3(s.rmcpTag, s.pendingSID, ac))
}

func (s *Session) gotRAKP4(payload []byte) {
	if s.context != ctxExpectingRAKP4 {
		s.drop(dropUnexpected, "RAKP4 in state %s", s.context)
		return
	}
	tag, status, e := ipmi.StatusHeader(payload)
	if e != nil {
		s.drop(dropMalformed, "%v", e)
		return
	}
	if tag != s.rmcpTag {
		s.drop(dropUnexpected, "stale RAKP4 tag %d", tag)
		return
	}
	if status != 0 {
		switch {
		case status == 0x02 && s.logonTries > 0:
			// RAKP3 was retried after RAKP4 was lost; the BMC considers it done
			s.relog()
		case status == 0x0f && s.logonTries > 0:
			// some BMCs report an invalid ICV for a retried RAKP3; wait for the retry timer
			// TODO: confirm against a BMC that emits it whether this should relog instead
		default:
			s.loginFailed(ipmi.RMCPStatusString(status) + " reported in RAKP4")
		}
		return
	}
	m, e := ipmi.ParseRAKP4(payload)
	if e != nil {
		s.drop(dropMalformed, "%v", e)
		return
	}
	if m.ConsoleSID != s.localSID {
		s.drop(dropSessionID, "RAKP4 for %#08x", m.ConsoleSID)
		return
	}
	if !bytes.Equal(m.ICV, ipmi.RAKP4ICV(s.keys.SIK, s.localRandom, s.pendingSID, s.remoteGUID)) {
		s.loginFailed("Invalid RAKP4 integrity code (wrong Kg?)")
		return
	}
	s.sessionID = s.pendingSID
	s.integrity = true
	s.confidential = true
	s.sequence = 1
	s.context = ctxEstablished
	s.inflight = nil
	s.reqPrivLevel()
}
