/* Keepalive.go: keeps idle sessions from being reaped by the BMC
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"time"

	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	uuid "github.com/satori/go.uuid"
)

type customKeepalive struct {
	req Request
	cb  func(*ipmi.Response)
}

// default keepalive: Get Device ID
var defaultKeepalive = Request{NetFn: ipmi.IPMIFnAppReq, Command: ipmi.IPMICmdGetDeviceID}

// RegisterKeepalive replaces the default keepalive with req; cb receives each result.
// Custom keepalives run in registration order.
func (s *Session) RegisterKeepalive(req Request, cb func(*ipmi.Response)) uuid.UUID {
	s.m.lock.Lock()
	defer s.m.unlock()
	id := uuid.NewV4()
	if s.customKeepalives == nil {
		s.customKeepalives = make(map[uuid.UUID]*customKeepalive)
	}
	s.customKeepalives[id] = &customKeepalive{req: req, cb: cb}
	s.keepaliveOrder = append(s.keepaliveOrder, id)
	return id
}

// UnregisterKeepalive removes a custom keepalive; unknown ids are ignored
func (s *Session) UnregisterKeepalive(id uuid.UUID) {
	s.m.lock.Lock()
	defer s.m.unlock()
	if _, ok := s.customKeepalives[id]; !ok {
		return
	}
	delete(s.customKeepalives, id)
	for i, o := range s.keepaliveOrder {
		if uuid.Equal(o, id) {
			s.keepaliveOrder = append(s.keepaliveOrder[:i], s.keepaliveOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) keepaliveDelay() time.Duration {
	d := s.m.cfg.KeepaliveInterval
	if j := s.m.cfg.KeepaliveJitter; j > 0 {
		d += time.Duration(s.m.randFloat() * float64(j))
	}
	return d
}

// refreshKeepalive postpones the default keepalive after any transmission
func (s *Session) refreshKeepalive() {
	if _, ok := s.m.keepalives[s]; ok && len(s.customKeepalives) == 0 {
		s.m.keepalives[s] = time.Now().Add(s.keepaliveDelay())
	}
}

func (s *Session) busy() bool {
	return s.inflight != nil || len(s.pending) > 0
}

// keepalive sends the default or custom keepalives
func (s *Session) keepalive() {
	if !s.logged {
		return
	}
	if len(s.customKeepalives) == 0 {
		if s.busy() {
			return
		}
		s.Log(DDEBUG, "sending keepalive")
		if e := s.sendIPMICommand(defaultKeepalive, nil); e != nil {
			s.Logf(ERROR, "keepalive failed: %v", e)
			s.markBroken()
		}
		return
	}
	for _, id := range s.keepaliveOrder {
		k, ok := s.customKeepalives[id]
		if !ok {
			continue
		}
		if e := s.sendIPMICommand(k.req, s.userCallback(k.cb)); e != nil {
			s.Logf(ERROR, "custom keepalive failed: %v", e)
			s.markBroken()
			return
		}
	}
}

// runKeepalives sends keepalives for idle sessions that are due
func (m *Manager) runKeepalives(now time.Time) {
	var due []*Session
	for s, t := range m.keepalives {
		if t.Before(now) && !s.busy() {
			m.keepalives[s] = now.Add(s.keepaliveDelay())
			due = append(due, s)
		}
	}
	for _, s := range due {
		s.keepalive()
	}
}
