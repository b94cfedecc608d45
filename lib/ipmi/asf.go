/* asf.go: RMCP/ASF presence ping and pong
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"github.com/pkg/errors"
)

// NewASFPing builds a presence ping frame with the given message tag
func NewASFPing(tag uint8) []byte {
	ping := &ASFMessageHeader{
		IANA: ASFIANA,
		Type: ASFTypePing,
		Tag:  tag,
	}
	return asfPacker.PackMust(&RMCPHeader{
		Version:        RMCPVersion1_0,
		SequenceNumber: RMCPSeqNoACK,
		Class:          RMCPClassASF,
		Data:           asfPacker.PackMust(ping),
	})
}

// ParseASFPong decodes a presence pong frame, returning its tag and body
func ParseASFPong(frame []byte) (uint8, *ASFMessagePong, error) {
	rmcp := &RMCPHeader{}
	if err := asfPacker.UnpackErr(frame, rmcp); err != nil {
		return 0, nil, err
	}
	if rmcp.Class != RMCPClassASF {
		return 0, nil, ErrBadMagic
	}
	hdr := &ASFMessageHeader{}
	if err := asfPacker.UnpackErr(rmcp.Data, hdr); err != nil {
		return 0, nil, err
	}
	if hdr.Type != ASFTypePong {
		return 0, nil, errors.Errorf("unexpected ASF message type %#02x", hdr.Type)
	}
	pong := &ASFMessagePong{}
	if err := asfPacker.UnpackErr(hdr.Data, pong); err != nil {
		return 0, nil, err
	}
	return hdr.Tag, pong, nil
}

// SupportsIPMI reports whether the pong advertises IPMI
func (p *ASFMessagePong) SupportsIPMI() bool {
	return p.Entities&ASFEntitiesIPMISupport != 0
}

// NewASFPong builds a pong frame answering tag; used by test peers
func NewASFPong(tag uint8, entities, interactions uint8) []byte {
	pong := asfPacker.PackMust(&ASFMessagePong{
		IANA:         ASFIANA,
		Entities:     entities,
		Interactions: interactions,
	})
	return asfPacker.PackMust(&RMCPHeader{
		Version:        RMCPVersion1_0,
		SequenceNumber: RMCPSeqNoACK,
		Class:          RMCPClassASF,
		Data: asfPacker.PackMust(&ASFMessageHeader{
			IANA: ASFIANA,
			Type: ASFTypePong,
			Tag:  tag,
			Data: pong,
		}),
	})
}
