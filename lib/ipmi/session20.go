/* session20.go: RMCP+ (IPMI 2.0) session wrapper (IPMI table 13-8) with HMAC-SHA1-96 and AES-CBC-128
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"crypto/hmac"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	header20Len   = 16
	authCode20Len = 12
	// next header field of the integrity trailer; 7 is the only defined value
	integrityNextHeader uint8 = 0x07
)

// Packet20 is an RMCP+ session packet
type Packet20 struct {
	PayloadType  uint8
	SessionID    uint32
	Sequence     uint32
	Payload      []byte
	Integrity    bool
	Confidential bool
}

// Envelope carries the negotiated session protection. A nil Envelope means none.
type Envelope struct {
	Integrity    bool
	Confidential bool
	K1           []byte
	AESKey       []byte
}

// CheckPayloadType rejects payload types this layer cannot frame
func CheckPayloadType(t uint8) error {
	switch t {
	case PayloadIPMI, PayloadSOL, PayloadOpenSessionReq, PayloadOpenSessionResp,
		PayloadRAKP1, PayloadRAKP2, PayloadRAKP3, PayloadRAKP4:
		return nil
	case PayloadOEM:
		return errors.Wrap(ErrUnsupportedPayload, "OEM Payloads")
	}
	return errors.Wrapf(ErrUnsupportedPayload, "Unrecognized payload type %d", t)
}

func isSessionPayload(t uint8) bool {
	return t == PayloadIPMI || t == PayloadSOL
}

// IntegrityPad is the number of 0xff bytes needed before the integrity trailer of a frame of length n
func IntegrityPad(n int) int {
	return (4 - (n-2)%4) % 4
}

// EncodePacket20 frames p. iv must be 16 random bytes when the envelope is confidential.
func EncodePacket20(p *Packet20, env *Envelope, iv []byte) ([]byte, error) {
	if err := CheckPayloadType(p.PayloadType); err != nil {
		return nil, err
	}
	ptype := p.PayloadType
	body := p.Payload
	if env != nil && env.Confidential {
		ptype |= PayloadFlagConfidential
		ct, err := AESCBCEncrypt(env.AESKey, iv, p.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt payload")
		}
		body = make([]byte, 0, len(iv)+len(ct))
		body = append(body, iv...)
		body = append(body, ct...)
	}
	if env != nil && env.Integrity {
		ptype |= PayloadFlagIntegrity
	}
	if len(body) > 0xffff {
		return nil, errors.Errorf("payload of %d bytes exceeds RMCP+ limit", len(body))
	}

	b := make([]byte, header20Len, header20Len+len(body)+4+2+authCode20Len)
	copy(b, rmcpIPMIHeader)
	b[4] = IPMIAuthTypeRMCPPlus
	b[5] = ptype
	binary.LittleEndian.PutUint32(b[6:10], p.SessionID)
	binary.LittleEndian.PutUint32(b[10:14], p.Sequence)
	binary.LittleEndian.PutUint16(b[14:16], uint16(len(body)))
	b = append(b, body...)

	if env != nil && env.Integrity {
		pad := IntegrityPad(len(b))
		for i := 0; i < pad; i++ {
			b = append(b, 0xff)
		}
		b = append(b, uint8(pad), integrityNextHeader)
		b = append(b, HMACSHA1(env.K1, b[4:])[:authCode20Len]...)
	}
	return b, nil
}

// DecodePacket20 parses an RMCP+ frame. Session payloads (IPMI, SOL) must carry a valid
// integrity trailer under env; the payload is then decrypted if flagged confidential.
func DecodePacket20(frame []byte, env *Envelope) (*Packet20, error) {
	if !IsRMCPIPMI(frame) {
		return nil, ErrBadMagic
	}
	if len(frame) < header20Len || frame[4] != IPMIAuthTypeRMCPPlus {
		return nil, errors.Wrap(ErrShortPacket, "not an RMCP+ frame")
	}
	p := &Packet20{
		PayloadType:  frame[5] & PayloadTypeMask,
		Integrity:    frame[5]&PayloadFlagIntegrity != 0,
		Confidential: frame[5]&PayloadFlagConfidential != 0,
		SessionID:    binary.LittleEndian.Uint32(frame[6:10]),
		Sequence:     binary.LittleEndian.Uint32(frame[10:14]),
	}
	psize := int(binary.LittleEndian.Uint16(frame[14:16]))
	if len(frame) < header20Len+psize {
		return nil, errors.Wrapf(ErrShortPacket, "payload length %d exceeds frame", psize)
	}
	payload := frame[header20Len : header20Len+psize]

	if !isSessionPayload(p.PayloadType) {
		p.Payload = append([]byte{}, payload...)
		return p, nil
	}
	if !p.Integrity {
		return nil, errors.Wrap(ErrBadAuthCode, "session payload without integrity")
	}
	if env == nil || len(env.K1) == 0 {
		return nil, errors.Wrap(ErrBadAuthCode, "no integrity key established")
	}
	if len(frame) < header20Len+psize+2+authCode20Len {
		return nil, errors.Wrap(ErrShortPacket, "missing integrity trailer")
	}
	given := frame[len(frame)-authCode20Len:]
	expect := HMACSHA1(env.K1, frame[4:len(frame)-authCode20Len])[:authCode20Len]
	if !hmac.Equal(given, expect) {
		return nil, ErrBadAuthCode
	}
	if p.Confidential {
		if len(payload) < 16 || len(env.AESKey) == 0 {
			return nil, errors.Wrap(ErrBadPadding, "confidential payload without iv or key")
		}
		pt, err := AESCBCDecrypt(env.AESKey, payload[:16], payload[16:])
		if err != nil {
			return nil, err
		}
		p.Payload = pt
	} else {
		p.Payload = append([]byte{}, payload...)
	}
	return p, nil
}
