/* const.go: wire constants for RMCP, ASF, IPMI 1.5 and RMCP+ (IPMI 2.0)
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

// RMCP constants
const (
	RMCPVersion1_0 uint8 = 0x06

	// Class bitmasks
	RMCPClassNormal uint8 = 0x00
	RMCPClassACK    uint8 = 0x80
	RMCPClassASF    uint8 = 0x06
	RMCPClassIPMI   uint8 = 0x07
	RMCPClassOEM    uint8 = 0x08

	RMCPSeqNoACK uint8 = 0xff
)

// ASF constants
const (
	ASFIANA              uint32 = 0x11be
	ASFTypePing          uint8  = 0x80
	ASFTypePong          uint8  = 0x40
	ASFTagUnidirectional uint8  = 0xff

	// bitmask
	ASFEntitiesIPMISupport uint8 = 0x80
	ASFEntitiesVersion1_0  uint8 = 0x01

	// bitmask
	ASFInteractionsRMCPSec  uint8 = 0x80
	ASFInteractionsDMTFDASH uint8 = 0x20
)

// IPMI NetFn codes
const (
	IPMIFnChassisReq   uint8 = 0x00
	IPMIFnChassisRes   uint8 = 0x01
	IPMIFnBridgeReq    uint8 = 0x02
	IPMIFnBridgeRes    uint8 = 0x03
	IPMIFnSensorReq    uint8 = 0x04
	IPMIFnSensorRes    uint8 = 0x05
	IPMIFnAppReq       uint8 = 0x06
	IPMIFnAppRes       uint8 = 0x07
	IPMIFnFirmwareReq  uint8 = 0x08
	IPMIFnFirmwareRes  uint8 = 0x09
	IPMIFnStorageReq   uint8 = 0x0a
	IPMIFnStorageRes   uint8 = 0x0b
	IPMIFnTransportReq uint8 = 0x0c
	IPMIFnTransportRes uint8 = 0x0d
	IPMIFnGroupReq     uint8 = 0x2c
	IPMIFnGroupRes     uint8 = 0x2d
	IPMIFnOEMReq       uint8 = 0x2e
	IPMIFnOEMRes       uint8 = 0x2f
)

// IPMI commands used by session management
const (
	IPMICmdGetDeviceID    uint8 = 0x01
	IPMICmdSendMessage    uint8 = 0x34
	IPMICmdGetChanAuthCap uint8 = 0x38
	IPMICmdGetSessionChal uint8 = 0x39
	IPMICmdActivateSess   uint8 = 0x3a
	IPMICmdSetSessionPriv uint8 = 0x3b
	IPMICmdCloseSess      uint8 = 0x3c
)

// Addresses (IPMI table 5-4)
const (
	IPMIAddrBMC        uint8 = 0x20
	IPMIAddrRemoteSWID uint8 = 0x81
)

// IPMI command data constants
const (
	IPMIGetChanAuthCapCurrent  uint8 = 0x0e
	IPMIGetChanAuthCapExtended uint8 = 0x80
	IPMIPrivCallback           uint8 = 0x01
	IPMIPrivUser               uint8 = 0x02
	IPMIPrivOperator           uint8 = 0x03
	IPMIPrivAdmin              uint8 = 0x04
	IPMIPrivOEM                uint8 = 0x05

	// bitfield, byte 1 of Get Channel Auth Capabilities
	IPMIAuthTypeBFIPMI2  uint8 = 0x80
	IPMIAuthTypeBFOEM    uint8 = 0x20
	IPMIAuthTypeBFPasswd uint8 = 0x10
	IPMIAuthTypeBFMD5    uint8 = 0x04
	IPMIAuthTypeBFMD2    uint8 = 0x02
	IPMIAuthTypeBFNONE   uint8 = 0x01

	// bitfield, byte 3 of Get Channel Auth Capabilities
	IPMIChanBFIPMI2Conn uint8 = 0x02

	IPMIAuthTypeRMCPPlus uint8 = 0x06
	IPMIAuthTypeOEM      uint8 = 0x05
	IPMIAuthTypePasswd   uint8 = 0x04
	IPMIAuthTypeMD5      uint8 = 0x02
	IPMIAuthTypeMD2      uint8 = 0x01
	IPMIAuthTypeNONE     uint8 = 0x00
)

// RMCP+ payload types (IPMI table 13-16)
const (
	PayloadIPMI            uint8 = 0x00
	PayloadSOL             uint8 = 0x01
	PayloadOEM             uint8 = 0x02
	PayloadOpenSessionReq  uint8 = 0x10
	PayloadOpenSessionResp uint8 = 0x11
	PayloadRAKP1           uint8 = 0x12
	PayloadRAKP2           uint8 = 0x13
	PayloadRAKP3           uint8 = 0x14
	PayloadRAKP4           uint8 = 0x15

	PayloadTypeMask         uint8 = 0x3f
	PayloadFlagIntegrity    uint8 = 0x40
	PayloadFlagConfidential uint8 = 0x80
)

// RMCP+ algorithm numbers proposed in the open session request
const (
	AuthAlgRAKPHMACSHA1    uint8 = 0x01
	IntegrityAlgHMACSHA196 uint8 = 0x01
	ConfAlgAESCBC128       uint8 = 0x01

	// RAKP1 role flag: look the user up by name only
	RAKPNameOnly uint8 = 0x10
)

// Completion codes with session-layer meaning
const (
	IPMICmpNorm         uint8  = 0x00
	IPMICmpInvalidField uint8  = 0xcc
	IPMICmpTimeout      uint16 = 0xffff
)
