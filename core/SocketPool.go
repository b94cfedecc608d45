/* SocketPool.go: shares client sockets among sessions
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package core

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// SocketPool hands out reactor sockets, placing at most max sessions on each
type SocketPool struct {
	lock    sync.Mutex
	reactor *IOReactor
	max     int
	usage   map[*Socket]int
	bound   map[*Socket]bool
}

// NewSocketPool creates a pool on top of reactor
func NewSocketPool(reactor *IOReactor, max int) *SocketPool {
	if max <= 0 {
		max = DefaultConfig().MaxSessionsPerSocket
	}
	return &SocketPool{
		reactor: reactor,
		max:     max,
		usage:   make(map[*Socket]int),
		bound:   make(map[*Socket]bool),
	}
}

// Assign returns the least used pooled socket with spare capacity, creating one if needed.
// With a non-nil server address a dedicated socket bound there is returned instead.
func (p *SocketPool) Assign(server *unix.SockaddrInet6) (*Socket, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if server != nil {
		s, e := p.reactor.NewSocket(server)
		if e != nil {
			return nil, e
		}
		p.bound[s] = true
		return s, nil
	}
	var best *Socket
	for s, n := range p.usage {
		if n >= p.max {
			continue
		}
		if best == nil || n < p.usage[best] {
			best = s
		}
	}
	if best == nil {
		s, e := p.reactor.NewSocket(nil)
		if e != nil {
			return nil, e
		}
		best = s
	}
	p.usage[best]++
	return best, nil
}

// Release gives back one session's share of s
func (p *SocketPool) Release(s *Socket) {
	if s == nil {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.bound[s] {
		delete(p.bound, s)
		p.reactor.CloseSocket(s)
		return
	}
	if n, ok := p.usage[s]; ok && n > 0 {
		p.usage[s] = n - 1
	}
}

// Usage reports how many sessions are placed on s
func (p *SocketPool) Usage(s *Socket) int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.usage[s]
}

// Size is the number of pooled sockets
func (p *SocketPool) Size() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.usage)
}

/*
 * address helpers
 */

// sockKey identifies a peer by its IPv6 (or v4-mapped) address and port
type sockKey struct {
	addr [16]byte
	port int
}

func keyOf(sa *unix.SockaddrInet6) sockKey {
	return sockKey{addr: sa.Addr, port: sa.Port}
}

func sockaddrString(sa *unix.SockaddrInet6) string {
	if sa == nil {
		return "<nil>"
	}
	return net.JoinHostPort(net.IP(sa.Addr[:]).String(), fmt.Sprintf("%d", sa.Port))
}

// resolveSockaddrs maps host to v4-mapped or native IPv6 socket addresses
func resolveSockaddrs(host string, port int) ([]*unix.SockaddrInet6, error) {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		var e error
		if ips, e = net.LookupIP(host); e != nil {
			return nil, ErrUnresolvable
		}
	}
	var sas []*unix.SockaddrInet6
	for _, ip := range ips {
		ip16 := ip.To16()
		if ip16 == nil {
			continue
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip16)
		sas = append(sas, sa)
	}
	if len(sas) == 0 {
		return nil, ErrUnresolvable
	}
	return sas, nil
}
