/* message.go: IPMI LAN message bodies (IPMI figure 13-4) and bridged Send Message wrapping
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"github.com/pkg/errors"
)

// Checksum is the IPMI two's complement checksum: sum(b) + Checksum(b) == 0 mod 256
func Checksum(b ...uint8) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return -sum
}

// Message is an IPMI message body as carried by a session payload.
// For requests Dst is the responder and Src the requester; responses swap them.
type Message struct {
	DstAddr uint8
	NetFn   uint8
	DstLUN  uint8
	SrcAddr uint8
	SeqLUN  uint8
	Command uint8
	Data    []byte
}

// BridgeRequest routes a request through the BMC to another controller via Send Message
type BridgeRequest struct {
	Addr    uint8
	Channel uint8
}

const messageOverhead = 7

// EncodeMessage lays out rsaddr, netfn/lun, csum, rqaddr, seqlun, cmd, data, csum
func EncodeMessage(m *Message) []byte {
	b := make([]byte, messageOverhead+len(m.Data))
	b[0] = m.DstAddr
	b[1] = m.NetFn<<2 | m.DstLUN&0x03
	b[2] = Checksum(b[0:2]...)
	b[3] = m.SrcAddr
	b[4] = m.SeqLUN
	b[5] = m.Command
	copy(b[6:], m.Data)
	b[len(b)-1] = Checksum(b[3 : len(b)-1]...)
	return b
}

// DecodeMessage is the inverse of EncodeMessage; both checksums are verified.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < messageOverhead {
		return nil, errors.Wrapf(ErrShortPacket, "message of %d bytes", len(b))
	}
	if Checksum(b[0:3]...) != 0 {
		return nil, errors.Wrap(ErrBadChecksum, "message header")
	}
	if Checksum(b[3:]...) != 0 {
		return nil, errors.Wrap(ErrBadChecksum, "message body")
	}
	m := &Message{
		DstAddr: b[0],
		NetFn:   b[1] >> 2,
		DstLUN:  b[1] & 0x03,
		SrcAddr: b[3],
		SeqLUN:  b[4],
		Command: b[5],
	}
	m.Data = append([]byte{}, b[6:len(b)-1]...)
	return m, nil
}

// EncodeBridgedMessage wraps m in a Send Message request (IPMI figure 14-11).
// The inner message is re-addressed to the bridge target with the BMC as requester.
func EncodeBridgedMessage(m *Message, br *BridgeRequest, seqLUN uint8) []byte {
	inner := *m
	inner.DstAddr = br.Addr
	inner.SrcAddr = IPMIAddrBMC
	ib := EncodeMessage(&inner)

	b := make([]byte, 0, 7+len(ib)+1)
	b = append(b, IPMIAddrBMC, IPMIFnAppReq<<2)
	b = append(b, Checksum(b...))
	b = append(b, IPMIAddrRemoteSWID, seqLUN, IPMICmdSendMessage, 0x40|br.Channel)
	b = append(b, ib...)
	b = append(b, Checksum(b[3:]...))
	return b
}

// DecodeBridgedMessage splits a Send Message request into its outer seqlun, bridge target and inner message.
func DecodeBridgedMessage(b []byte) (uint8, *BridgeRequest, *Message, error) {
	if len(b) < 8+messageOverhead {
		return 0, nil, nil, errors.Wrapf(ErrShortPacket, "bridged message of %d bytes", len(b))
	}
	if Checksum(b[0:3]...) != 0 || Checksum(b[3:]...) != 0 {
		return 0, nil, nil, errors.Wrap(ErrBadChecksum, "bridge header")
	}
	if b[1]>>2 != IPMIFnAppReq || b[5] != IPMICmdSendMessage {
		return 0, nil, nil, errors.New("not a Send Message request")
	}
	inner, err := DecodeMessage(b[7 : len(b)-1])
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "bridged inner message")
	}
	br := &BridgeRequest{Addr: inner.DstAddr, Channel: b[6] & 0x0f}
	return b[4], br, inner, nil
}

// ParseResponse extracts a Response from a decoded response message.
func ParseResponse(m *Message) *Response {
	r := &Response{
		NetFn:   m.NetFn,
		Command: m.Command,
	}
	if len(m.Data) > 0 {
		r.Code = uint16(m.Data[0])
		r.Data = m.Data[1:]
	} else {
		r.Data = []byte{}
	}
	return r
}
