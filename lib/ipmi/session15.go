/* session15.go: IPMI 1.5 session wrapper (IPMI table 13-8) with MD5 authcodes
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"

	"github.com/pkg/errors"
)

// rmcpIPMIHeader is the constant RMCP header preceding every IPMI frame
var rmcpIPMIHeader = []byte{RMCPVersion1_0, 0x00, RMCPSeqNoACK, RMCPClassIPMI}

// legacyPadLengths are frame lengths (plus 34) that require one trailing zero byte
var legacyPadLengths = map[int]bool{56: true, 84: true, 112: true, 128: true, 156: true}

// Packet15 is an IPMI 1.5 session packet. AuthCode is only present for AuthType != 0.
type Packet15 struct {
	AuthType  uint8
	Sequence  uint32
	SessionID uint32
	AuthCode  []byte
	Payload   []byte
}

// IsRMCPIPMI reports whether frame carries the RMCP header for the IPMI class
func IsRMCPIPMI(frame []byte) bool {
	return len(frame) > 4 && frame[0] == RMCPVersion1_0 && frame[2] == RMCPSeqNoACK && frame[3] == RMCPClassIPMI
}

// IsRMCPASF reports whether frame carries the RMCP header for the ASF class
func IsRMCPASF(frame []byte) bool {
	return len(frame) > 4 && frame[0] == RMCPVersion1_0 && frame[3] == RMCPClassASF
}

// AuthCode15 computes the MD5 authcode: md5(password + sid + payload + seq + password).
// The password is zero padded to 16 bytes.
func AuthCode15(password []byte, sessionID uint32, payload []byte, seq uint32) ([]byte, error) {
	if len(password) > 16 {
		return nil, errors.New("Password is too long for ipmi 1.5")
	}
	pass := make([]byte, 16)
	copy(pass, password)
	var word [4]byte
	h := md5.New()
	h.Write(pass)
	binary.LittleEndian.PutUint32(word[:], sessionID)
	h.Write(word[:])
	h.Write(payload)
	binary.LittleEndian.PutUint32(word[:], seq)
	h.Write(word[:])
	h.Write(pass)
	return h.Sum(nil), nil
}

// EncodePacket15 frames p including the RMCP header and, where required, the legacy pad byte.
func EncodePacket15(p *Packet15) ([]byte, error) {
	if len(p.Payload) > 0xff {
		return nil, errors.Errorf("payload of %d bytes exceeds IPMI 1.5 limit", len(p.Payload))
	}
	b := make([]byte, 0, 4+10+16+len(p.Payload)+1)
	b = append(b, rmcpIPMIHeader...)
	b = append(b, p.AuthType)
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], p.Sequence)
	b = append(b, word[:]...)
	binary.LittleEndian.PutUint32(word[:], p.SessionID)
	b = append(b, word[:]...)
	if p.AuthType != IPMIAuthTypeNONE {
		if len(p.AuthCode) != 16 {
			return nil, errors.Wrapf(ErrBadAuthCode, "authcode must be 16 bytes, have %d", len(p.AuthCode))
		}
		b = append(b, p.AuthCode...)
	}
	b = append(b, uint8(len(p.Payload)))
	b = append(b, p.Payload...)
	if legacyPadLengths[34+len(b)] {
		b = append(b, 0)
	}
	return b, nil
}

// DecodePacket15 parses an IPMI 1.5 frame, RMCP header included. The authcode is not verified.
func DecodePacket15(frame []byte) (*Packet15, error) {
	if !IsRMCPIPMI(frame) {
		return nil, ErrBadMagic
	}
	if len(frame) < 14 {
		return nil, errors.Wrapf(ErrShortPacket, "ipmi 1.5 frame of %d bytes", len(frame))
	}
	p := &Packet15{
		AuthType:  frame[4],
		Sequence:  binary.LittleEndian.Uint32(frame[5:9]),
		SessionID: binary.LittleEndian.Uint32(frame[9:13]),
	}
	off := 13
	switch p.AuthType {
	case IPMIAuthTypeNONE:
	case IPMIAuthTypeMD5:
		if len(frame) < off+17 {
			return nil, errors.Wrapf(ErrShortPacket, "ipmi 1.5 frame of %d bytes", len(frame))
		}
		p.AuthCode = append([]byte{}, frame[off:off+16]...)
		off += 16
	default:
		return nil, errors.Wrapf(ErrUnsupportedAuth, "authtype %d", p.AuthType)
	}
	plen := int(frame[off])
	off++
	if len(frame) < off+plen {
		return nil, errors.Wrapf(ErrShortPacket, "payload length %d exceeds frame", plen)
	}
	p.Payload = append([]byte{}, frame[off:off+plen]...)
	return p, nil
}

// Verify15 checks an MD5-authenticated packet against password
func Verify15(p *Packet15, password []byte) error {
	if p.AuthType == IPMIAuthTypeNONE {
		return nil
	}
	expect, err := AuthCode15(password, p.SessionID, p.Payload, p.Sequence)
	if err != nil {
		return err
	}
	if !hmac.Equal(expect, p.AuthCode) {
		return ErrBadAuthCode
	}
	return nil
}
