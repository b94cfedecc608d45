/* rakp.go: RMCP+ open session and RAKP-HMAC-SHA1 key exchange (IPMI section 13.31)
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	sikConstLen = 20
	// RAKP4 integrity check values are truncated HMAC-SHA1-96
	rakp4ICVLen = 12
)

// SessionKeys are derived once RAKP2 has been verified
type SessionKeys struct {
	SIK    []byte
	K1     []byte
	K2     []byte
	AESKey []byte
}

// Clear zeroes the key material in place
func (k *SessionKeys) Clear() {
	if k == nil {
		return
	}
	for _, b := range [][]byte{k.SIK, k.K1, k.K2, k.AESKey} {
		for i := range b {
			b[i] = 0
		}
	}
}

// NewOpenSessionRequest proposes RAKP-HMAC-SHA1, HMAC-SHA1-96 and AES-CBC-128 for consoleSID
func NewOpenSessionRequest(tag uint8, consoleSID uint32) []byte {
	return packer.PackMust(&OpenSessionRequest{
		Tag:           tag,
		ConsoleSID:    consoleSID,
		AuthType:      0,
		AuthLen:       8,
		AuthAlg:       AuthAlgRAKPHMACSHA1,
		IntegrityType: 1,
		IntegrityLen:  8,
		IntegrityAlg:  IntegrityAlgHMACSHA196,
		ConfidentType: 2,
		ConfidentLen:  8,
		ConfidentAlg:  ConfAlgAESCBC128,
	})
}

// StatusHeader reads the tag and status bytes common to every RMCP+ establishment response
func StatusHeader(payload []byte) (tag, status uint8, err error) {
	if len(payload) < 2 {
		return 0, 0, errors.Wrap(ErrShortPacket, "rmcp+ status header")
	}
	return payload[0], payload[1], nil
}

// ParseOpenSessionResponse unpacks a successful open session response
func ParseOpenSessionResponse(payload []byte) (*OpenSessionResponse, error) {
	r := &OpenSessionResponse{}
	if err := packer.UnpackErr(payload, r); err != nil {
		return nil, errors.Wrap(err, "open session response")
	}
	return r, nil
}

// NewRAKP1 builds RAKP message 1; role carries the name-only flag ORed with the privilege level
func NewRAKP1(tag uint8, bmcSID uint32, random []byte, role uint8, user []byte) []byte {
	m := &RAKPMessage1{
		Tag:      tag,
		BMCSID:   bmcSID,
		Role:     role,
		UserName: user,
	}
	copy(m.ConsoleRandom[:], random)
	return packer.PackMust(m)
}

// ParseRAKP2 unpacks a successful RAKP message 2
func ParseRAKP2(payload []byte) (*RAKPMessage2, error) {
	r := &RAKPMessage2{}
	if err := packer.UnpackErr(payload, r); err != nil {
		return nil, errors.Wrap(err, "rakp2")
	}
	return r, nil
}

// NewRAKP3 builds RAKP message 3
func NewRAKP3(tag uint8, bmcSID uint32, authCode []byte) []byte {
	return packer.PackMust(&RAKPMessage3{
		Tag:      tag,
		BMCSID:   bmcSID,
		AuthCode: authCode,
	})
}

// ParseRAKP4 unpacks a successful RAKP message 4
func ParseRAKP4(payload []byte) (*RAKPMessage4, error) {
	r := &RAKPMessage4{}
	if err := packer.UnpackErr(payload, r); err != nil {
		return nil, errors.Wrap(err, "rakp4")
	}
	return r, nil
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// RAKP2AuthCode is the key exchange authentication code a BMC proves knowledge of the password with
func RAKP2AuthCode(password []byte, consoleSID, bmcSID uint32, consoleRand, bmcRand, guid []byte, role uint8, user []byte) []byte {
	return HMACSHA1(password,
		le32(consoleSID), le32(bmcSID),
		consoleRand, bmcRand, guid,
		[]byte{role, uint8(len(user))}, user)
}

// VerifyRAKP2 compares the authcode of a RAKP2 against the one expected for password
func VerifyRAKP2(m *RAKPMessage2, password []byte, consoleSID, bmcSID uint32, consoleRand []byte, role uint8, user []byte) bool {
	expect := RAKP2AuthCode(password, consoleSID, bmcSID, consoleRand, m.BMCRandom[:], m.BMCGUID[:], role, user)
	return hmac.Equal(expect, m.AuthCode)
}

// RAKP3AuthCode is the console's proof of the password
func RAKP3AuthCode(password []byte, bmcRand []byte, consoleSID uint32, role uint8, user []byte) []byte {
	return HMACSHA1(password, bmcRand, le32(consoleSID), []byte{role, uint8(len(user))}, user)
}

// DeriveKeys computes SIK, K1, K2 and the AES key. Callers without a BMC key pass the password as kg.
func DeriveKeys(kg []byte, consoleRand, bmcRand []byte, role uint8, user []byte) *SessionKeys {
	sik := HMACSHA1(kg, consoleRand, bmcRand, []byte{role, uint8(len(user))}, user)
	k1 := HMACSHA1(sik, bytes.Repeat([]byte{0x01}, sikConstLen))
	k2 := HMACSHA1(sik, bytes.Repeat([]byte{0x02}, sikConstLen))
	aes := make([]byte, 16)
	copy(aes, k2[:16])
	return &SessionKeys{SIK: sik, K1: k1, K2: k2, AESKey: aes}
}

// RAKP4ICV is the integrity check value a BMC returns in RAKP4
func RAKP4ICV(sik []byte, consoleRand []byte, bmcSID uint32, guid []byte) []byte {
	return HMACSHA1(sik, consoleRand, le32(bmcSID), guid)[:rakp4ICVLen]
}
