package ipmi

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacker_Pack(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80, 0x90}
	t.Run("RMCPHeader", func(t *testing.T) {
		r := RMCPHeader{
			Version:        0x01,
			SequenceNumber: 0x02,
			Class:          0x03,
			Data:           data,
		}
		b, es := packer.Pack(&r)
		require.Empty(t, es)
		assert.Equal(t, append([]byte{0x01, 0x00, 0x02, 0x03}, data...), b)
	})
	t.Run("ASFMessageHeader(len)", func(t *testing.T) {
		r := ASFMessageHeader{
			IANA: 0x11223344,
			Type: 0x01,
			Tag:  0x02,
			Data: data,
		}
		b, es := asfPacker.Pack(&r)
		require.Empty(t, es)
		assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x01, 0x02, 0x00, 0x09}, b[:8])
		assert.Equal(t, uint8(9), r.DataLen)
	})
	t.Run("RAKPMessage1(len)", func(t *testing.T) {
		b := NewRAKP1(3, 0x01020304, bytes.Repeat([]byte{0xaa}, 16), RAKPNameOnly|IPMIPrivAdmin, []byte("admin"))
		require.Len(t, b, 28+5)
		assert.Equal(t, []byte{3, 0, 0, 0, 0x04, 0x03, 0x02, 0x01}, b[:8])
		assert.Equal(t, []byte{0x14, 0, 0, 5}, b[24:28])
		assert.Equal(t, []byte("admin"), b[28:])
	})
	t.Run("ASFMessagePong(array)", func(t *testing.T) {
		r := ASFMessagePong{
			IANA:         0x1122,
			OEM:          0x3344,
			Entities:     0x01,
			Interactions: 0x02,
		}
		b, es := asfPacker.Pack(&r)
		require.Empty(t, es)
		assert.Equal(t, []byte{0x00, 0x00, 0x11, 0x22, 0x00, 0x00, 0x33, 0x44, 0x01, 0x02, 0, 0, 0, 0, 0, 0}, b)
	})
	t.Run("NotAStruct", func(t *testing.T) {
		_, es := packer.Pack(5)
		assert.NotEmpty(t, es)
	})
}

type cksumPacket struct {
	Addr  uint8  `pack:""`
	NetFn uint8  `pack:""`
	Sum   uint8  `pack:"cksum2=0"`
	Data  []byte `pack:"fill=-1"`
	Sum2  uint8  `pack:"cksum2=3"`
}

func TestPacker_Unpack(t *testing.T) {
	t.Run("RMCPHeader", func(t *testing.T) {
		b := []byte{0x01, 0x00, 0x02, 0x03, 0x10, 0x20, 0x30}
		r := RMCPHeader{}
		require.Empty(t, packer.Unpack(b, &r))
		assert.Equal(t, uint8(0x01), r.Version)
		assert.Equal(t, uint8(0x02), r.SequenceNumber)
		assert.Equal(t, uint8(0x03), r.Class)
		assert.Equal(t, []byte{0x10, 0x20, 0x30}, r.Data)
	})
	t.Run("cksum2", func(t *testing.T) {
		p := cksumPacket{Addr: 0x20, NetFn: 0x18, Data: []byte{0x81, 0x04, 0x3b}}
		b, es := packer.Pack(&p)
		require.Empty(t, es)
		assert.Equal(t, uint8(0), Checksum(b[0:3]...))
		assert.Equal(t, uint8(0), Checksum(b[3:]...))

		r := cksumPacket{}
		require.Empty(t, packer.Unpack(b, &r))
		assert.Equal(t, p.Data, r.Data)

		b[4] ^= 0xff
		es = packer.Unpack(b, &r)
		require.Len(t, es, 1)
		assert.Equal(t, ErrBadChecksum, errors.Cause(es[0]))
	})
	t.Run("Short", func(t *testing.T) {
		r := RAKPMessage2{}
		err := packer.UnpackErr([]byte{1, 0, 0, 0, 1, 2}, &r)
		assert.Equal(t, ErrShortPacket, errors.Cause(err))
	})
}

func TestChecksum(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0x20, 0x18},
		{0xff, 0xff, 0xff},
		bytes.Repeat([]byte{0x81}, 300),
	}
	for _, in := range inputs {
		c := Checksum(in...)
		assert.Equal(t, uint8(0), Checksum(append(in, c)...), "%x", in)
	}
	assert.Equal(t, uint8(0xc8), Checksum(0x20, 0x18))
}

func TestMessage(t *testing.T) {
	m := &Message{
		DstAddr: IPMIAddrBMC,
		NetFn:   IPMIFnAppReq,
		SrcAddr: IPMIAddrRemoteSWID,
		SeqLUN:  0x08,
		Command: IPMICmdGetChanAuthCap,
		Data:    []byte{0x8e, 0x04},
	}
	b := EncodeMessage(m)
	assert.Equal(t, []byte{0x20, 0x18, 0xc8, 0x81, 0x08, 0x38, 0x8e, 0x04, 0xad}, b)

	d, err := DecodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m, d)

	t.Run("BadHeaderChecksum", func(t *testing.T) {
		bad := append([]byte{}, b...)
		bad[2]++
		_, err := DecodeMessage(bad)
		assert.Equal(t, ErrBadChecksum, errors.Cause(err))
	})
	t.Run("BadBodyChecksum", func(t *testing.T) {
		bad := append([]byte{}, b...)
		bad[len(bad)-1]++
		_, err := DecodeMessage(bad)
		assert.Equal(t, ErrBadChecksum, errors.Cause(err))
	})
	t.Run("Short", func(t *testing.T) {
		_, err := DecodeMessage(b[:5])
		assert.Equal(t, ErrShortPacket, errors.Cause(err))
	})
	t.Run("Response", func(t *testing.T) {
		r := ParseResponse(&Message{NetFn: IPMIFnAppRes, Command: 0x3b, Data: []byte{0x80}})
		assert.Equal(t, uint16(0x80), r.Code)
		assert.Empty(t, r.Data)
		assert.Equal(t, "User is not allowed requested privilege level", ErrorString(r, ""))
	})
}

func TestBridgedMessage(t *testing.T) {
	m := &Message{
		NetFn:   IPMIFnChassisReq,
		Command: 0x01,
		SeqLUN:  0x0c,
		Data:    []byte{0x01},
	}
	br := &BridgeRequest{Addr: 0x72, Channel: 0x07}
	b := EncodeBridgedMessage(m, br, 0x0c)
	assert.Equal(t, []byte{0x20, 0x18, 0xc8, 0x81, 0x0c, 0x34, 0x47}, b[:7])
	assert.Equal(t, uint8(0), Checksum(b[3:]...))

	seq, dbr, inner, err := DecodeBridgedMessage(b)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x0c), seq)
	assert.Equal(t, br, dbr)
	assert.Equal(t, uint8(0x72), inner.DstAddr)
	assert.Equal(t, IPMIAddrBMC, inner.SrcAddr)
	assert.Equal(t, m.Data, inner.Data)
	assert.Equal(t, m.Command, inner.Command)
}

func TestPacket15(t *testing.T) {
	t.Run("NoAuth", func(t *testing.T) {
		p := &Packet15{Payload: []byte{1, 2, 3}}
		b, err := EncodePacket15(p)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x06, 0x00, 0xff, 0x07, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 3, 1, 2, 3}, b)
		d, err := DecodePacket15(b)
		require.NoError(t, err)
		assert.Equal(t, p.Payload, d.Payload)
		assert.Nil(t, d.AuthCode)
	})
	t.Run("LegacyPad", func(t *testing.T) {
		// 4 + 10 + 8 bytes gives 56 with the 34 byte allowance
		b, err := EncodePacket15(&Packet15{Payload: make([]byte, 8)})
		require.NoError(t, err)
		assert.Len(t, b, 23)
		assert.Equal(t, uint8(0), b[22])

		b, err = EncodePacket15(&Packet15{Payload: make([]byte, 9)})
		require.NoError(t, err)
		assert.Len(t, b, 23)
	})
	t.Run("MD5", func(t *testing.T) {
		payload := []byte{0x81, 0x1c, 0x63, 0x20, 0x04, 0x3b, 0x00, 0x04, 0xa1}
		code, err := AuthCode15([]byte("secret"), 0xdeadbeef, payload, 7)
		require.NoError(t, err)

		pass := make([]byte, 16)
		copy(pass, "secret")
		h := md5.New()
		h.Write(pass)
		h.Write([]byte{0xef, 0xbe, 0xad, 0xde})
		h.Write(payload)
		h.Write([]byte{7, 0, 0, 0})
		h.Write(pass)
		assert.Equal(t, h.Sum(nil), code)

		p := &Packet15{AuthType: IPMIAuthTypeMD5, Sequence: 7, SessionID: 0xdeadbeef, AuthCode: code, Payload: payload}
		b, err := EncodePacket15(p)
		require.NoError(t, err)
		d, err := DecodePacket15(b)
		require.NoError(t, err)
		assert.Equal(t, p, d)
		assert.NoError(t, Verify15(d, []byte("secret")))
		assert.Equal(t, ErrBadAuthCode, Verify15(d, []byte("wrong")))
	})
	t.Run("PasswordTooLong", func(t *testing.T) {
		_, err := AuthCode15(bytes.Repeat([]byte("x"), 17), 0, nil, 0)
		assert.Error(t, err)
	})
	t.Run("BadMagic", func(t *testing.T) {
		_, err := DecodePacket15([]byte{0x06, 0x00, 0xff, 0x06, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
		assert.Equal(t, ErrBadMagic, err)
	})
}

func TestAESPad(t *testing.T) {
	for n := 0; n < 64; n++ {
		in := bytes.Repeat([]byte{0xee}, n)
		padded := AESPad(in)
		assert.Zero(t, len(padded)%16, "length %d", n)
		pad := int(padded[len(padded)-1])
		assert.Equal(t, n+pad+1, len(padded))
		for i := 0; i < pad; i++ {
			assert.Equal(t, uint8(i+1), padded[n+i])
		}
		out, err := AESUnpad(padded)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func testEnvelope() *Envelope {
	keys := DeriveKeys([]byte("password"), bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 16), 0x14, []byte("admin"))
	return &Envelope{Integrity: true, Confidential: true, K1: keys.K1, AESKey: keys.AESKey}
}

func TestPacket20(t *testing.T) {
	env := testEnvelope()
	iv := bytes.Repeat([]byte{0x5a}, 16)
	msg := EncodeMessage(&Message{DstAddr: 0x20, NetFn: 6, SrcAddr: 0x81, SeqLUN: 4, Command: 1})

	t.Run("Protected", func(t *testing.T) {
		p := &Packet20{PayloadType: PayloadIPMI, SessionID: 0x11223344, Sequence: 9, Payload: msg}
		b, err := EncodePacket20(p, env, iv)
		require.NoError(t, err)
		assert.Equal(t, PayloadFlagIntegrity|PayloadFlagConfidential, b[5])
		padded := len(AESPad(msg))
		assert.Equal(t, uint16(padded+16), binary.LittleEndian.Uint16(b[14:16]))
		// integrity pad brings the frame after the session header to a 4 byte boundary
		assert.Zero(t, (len(b)-12-4)%4)
		assert.Equal(t, uint8(7), b[len(b)-13])

		d, err := DecodePacket20(b, env)
		require.NoError(t, err)
		assert.Equal(t, msg, d.Payload)
		assert.Equal(t, uint32(0x11223344), d.SessionID)
		assert.Equal(t, uint32(9), d.Sequence)

		t.Run("Tampered", func(t *testing.T) {
			bad := append([]byte{}, b...)
			bad[20] ^= 0x01
			_, err := DecodePacket20(bad, env)
			assert.Equal(t, ErrBadAuthCode, errors.Cause(err))
		})
		t.Run("WrongKey", func(t *testing.T) {
			other := &Envelope{Integrity: true, Confidential: true, K1: bytes.Repeat([]byte{9}, 20), AESKey: env.AESKey}
			_, err := DecodePacket20(b, other)
			assert.Equal(t, ErrBadAuthCode, errors.Cause(err))
		})
	})
	t.Run("Unprotected", func(t *testing.T) {
		p := &Packet20{PayloadType: PayloadIPMI, Payload: msg}
		b, err := EncodePacket20(p, nil, nil)
		require.NoError(t, err)
		_, err = DecodePacket20(b, env)
		assert.Equal(t, ErrBadAuthCode, errors.Cause(err))
	})
	t.Run("Presession", func(t *testing.T) {
		req := NewOpenSessionRequest(2, 2017673556)
		b, err := EncodePacket20(&Packet20{PayloadType: PayloadOpenSessionReq, Payload: req}, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x06, 0x00, 0xff, 0x07, 0x06, 0x10, 0, 0, 0, 0, 0, 0, 0, 0, 32, 0}, b[:16])
		d, err := DecodePacket20(b, nil)
		require.NoError(t, err)
		assert.Equal(t, req, d.Payload)
	})
	t.Run("UnsupportedPayload", func(t *testing.T) {
		_, err := EncodePacket20(&Packet20{PayloadType: PayloadOEM}, nil, nil)
		assert.Equal(t, ErrUnsupportedPayload, errors.Cause(err))
		_, err = EncodePacket20(&Packet20{PayloadType: 0x22}, nil, nil)
		assert.Equal(t, ErrUnsupportedPayload, errors.Cause(err))
	})
}

func TestIntegrityPad(t *testing.T) {
	for n := 16; n < 64; n++ {
		assert.Zero(t, (n+IntegrityPad(n)+2)%4, "length %d", n)
	}
}

func hmacSHA1(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha1.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func TestRAKP(t *testing.T) {
	password := []byte("calvin")
	user := []byte("root")
	consoleRand := bytes.Repeat([]byte{0x11}, 16)
	bmcRand := bytes.Repeat([]byte{0x22}, 16)
	guid := bytes.Repeat([]byte{0x33}, 16)
	var consoleSID, bmcSID uint32 = 2017673556, 0x0a0b0c0d
	role := RAKPNameOnly | IPMIPrivAdmin

	t.Run("OpenSessionRequest", func(t *testing.T) {
		b := NewOpenSessionRequest(2, consoleSID)
		assert.Equal(t, []byte{
			2, 0, 0, 0, 0x54, 0x41, 0x43, 0x78,
			0, 0, 0, 8, 1, 0, 0, 0,
			1, 0, 0, 8, 1, 0, 0, 0,
			2, 0, 0, 8, 1, 0, 0, 0,
		}, b)
	})
	t.Run("Keys", func(t *testing.T) {
		keys := DeriveKeys(password, consoleRand, bmcRand, role, user)
		sik := hmacSHA1(password, consoleRand, bmcRand, []byte{role, 4}, user)
		assert.Equal(t, sik, keys.SIK)
		assert.Equal(t, hmacSHA1(sik, bytes.Repeat([]byte{1}, 20)), keys.K1)
		k2 := hmacSHA1(sik, bytes.Repeat([]byte{2}, 20))
		assert.Equal(t, k2, keys.K2)
		assert.Equal(t, k2[:16], keys.AESKey)

		keys.Clear()
		assert.Equal(t, make([]byte, 20), keys.K1)
	})
	t.Run("RAKP2", func(t *testing.T) {
		code := RAKP2AuthCode(password, consoleSID, bmcSID, consoleRand, bmcRand, guid, role, user)
		m := &RAKPMessage2{Tag: 3, ConsoleSID: consoleSID, AuthCode: code}
		copy(m.BMCRandom[:], bmcRand)
		copy(m.BMCGUID[:], guid)
		b := packer.PackMust(m)
		require.Len(t, b, 40+20)

		d, err := ParseRAKP2(b)
		require.NoError(t, err)
		assert.True(t, VerifyRAKP2(d, password, consoleSID, bmcSID, consoleRand, role, user))
		assert.False(t, VerifyRAKP2(d, []byte("wrong"), consoleSID, bmcSID, consoleRand, role, user))
	})
	t.Run("RAKP3", func(t *testing.T) {
		code := RAKP3AuthCode(password, bmcRand, consoleSID, role, user)
		assert.Equal(t, hmacSHA1(password, bmcRand, []byte{0x54, 0x41, 0x43, 0x78}, []byte{role, 4}, user), code)
		b := NewRAKP3(4, bmcSID, code)
		assert.Equal(t, []byte{4, 0, 0, 0, 0x0d, 0x0c, 0x0b, 0x0a}, b[:8])
		assert.Equal(t, code, b[8:])
	})
	t.Run("RAKP4", func(t *testing.T) {
		keys := DeriveKeys(password, consoleRand, bmcRand, role, user)
		icv := RAKP4ICV(keys.SIK, consoleRand, bmcSID, guid)
		assert.Len(t, icv, 12)
		b := packer.PackMust(&RAKPMessage4{Tag: 4, ConsoleSID: consoleSID, ICV: icv})
		d, err := ParseRAKP4(b)
		require.NoError(t, err)
		assert.Equal(t, icv, d.ICV)
	})
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "", ErrorString(&Response{}, " suffix"))
	assert.Equal(t, "timeout", ErrorString(&Response{Error: "timeout", Code: 0xffff}, ""))
	assert.Equal(t, "Invalid user name while getting session challenge",
		ErrorString(&Response{NetFn: 7, Command: 0x39, Code: 0x81}, " while getting session challenge"))
	assert.Equal(t, "Node Busy", ErrorString(&Response{NetFn: 1, Command: 2, Code: 0xc0}, ""))
	assert.Equal(t, "Unknown code 0x42 encountered", ErrorString(&Response{Code: 0x42}, ""))
	assert.Equal(t, "Unknown code 0x05 encountered", ErrorString(&Response{Code: 0x05}, ""))
	assert.Equal(t, "Invalid role", RMCPStatusString(9))
	assert.Equal(t, "Unrecognized RMCP code 99", RMCPStatusString(99))
}

func TestASF(t *testing.T) {
	ping := NewASFPing(0x21)
	assert.Equal(t, []byte{0x06, 0x00, 0xff, 0x06, 0x00, 0x00, 0x11, 0xbe, 0x80, 0x21, 0x00, 0x00}, ping)
	assert.True(t, IsRMCPASF(ping))
	assert.False(t, IsRMCPIPMI(ping))

	tag, pong, err := ParseASFPong(NewASFPong(0x21, ASFEntitiesIPMISupport|ASFEntitiesVersion1_0, 0))
	require.NoError(t, err)
	assert.Equal(t, uint8(0x21), tag)
	assert.True(t, pong.SupportsIPMI())

	_, _, err = ParseASFPong(ping)
	assert.Error(t, err)
}
