/* packets.go: fixed-layout RMCP, ASF and RMCP+ session establishment packets
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

type RMCPHeader struct {
	Version        uint8  `pack:""`
	reserved       uint8  `pack:"zeros"`
	SequenceNumber uint8  `pack:""`
	Class          uint8  `pack:""`
	Data           []byte `pack:"fill=0"`
}

type ASFMessageHeader struct {
	IANA     uint32 `pack:""`
	Type     uint8  `pack:""`
	Tag      uint8  `pack:""`
	reserved uint8  `pack:"zeros"`
	DataLen  uint8  `pack:"len=Data"`
	Data     []byte `pack:"fill=0"`
}

type ASFMessagePong struct {
	IANA         uint32  `pack:""`
	OEM          uint32  `pack:""`
	Entities     uint8   `pack:""`
	Interactions uint8   `pack:""`
	reserved     [6]byte `pack:"zeros"`
}

// OpenSessionRequest is IPMI table 13-16. Each algorithm proposal is an 8 byte record.
type OpenSessionRequest struct {
	Tag           uint8   `pack:""`
	MaxPriv       uint8   `pack:""`
	reserved      uint16  `pack:"zeros"`
	ConsoleSID    uint32  `pack:""`
	AuthType      uint8   `pack:""`
	reserved1     uint16  `pack:"zeros"`
	AuthLen       uint8   `pack:""`
	AuthAlg       uint8   `pack:""`
	reserved2     [3]byte `pack:"zeros"`
	IntegrityType uint8   `pack:""`
	reserved3     uint16  `pack:"zeros"`
	IntegrityLen  uint8   `pack:""`
	IntegrityAlg  uint8   `pack:""`
	reserved4     [3]byte `pack:"zeros"`
	ConfidentType uint8   `pack:""`
	reserved5     uint16  `pack:"zeros"`
	ConfidentLen  uint8   `pack:""`
	ConfidentAlg  uint8   `pack:""`
	reserved6     [3]byte `pack:"zeros"`
}

// OpenSessionResponse is IPMI table 13-17. On error only the first 8 bytes are present.
type OpenSessionResponse struct {
	Tag        uint8  `pack:""`
	Status     uint8  `pack:""`
	MaxPriv    uint8  `pack:""`
	reserved   uint8  `pack:"zeros"`
	ConsoleSID uint32 `pack:""`
	BMCSID     uint32 `pack:""`
	Algorithms []byte `pack:"fill=0"`
}

// RAKPMessage1 is IPMI table 13-18
type RAKPMessage1 struct {
	Tag           uint8    `pack:""`
	reserved      [3]byte  `pack:"zeros"`
	BMCSID        uint32   `pack:""`
	ConsoleRandom [16]byte `pack:""`
	Role          uint8    `pack:""`
	reserved1     uint16   `pack:"zeros"`
	UserNameLen   uint8    `pack:"len=UserName"`
	UserName      []byte   `pack:"fill=0"`
}

// RAKPMessage2 is IPMI table 13-19. On error only the first 8 bytes are present.
type RAKPMessage2 struct {
	Tag        uint8    `pack:""`
	Status     uint8    `pack:""`
	reserved   uint16   `pack:"zeros"`
	ConsoleSID uint32   `pack:""`
	BMCRandom  [16]byte `pack:""`
	BMCGUID    [16]byte `pack:""`
	AuthCode   []byte   `pack:"fill=0"`
}

// RAKPMessage3 is IPMI table 13-20
type RAKPMessage3 struct {
	Tag      uint8  `pack:""`
	Status   uint8  `pack:""`
	reserved uint16 `pack:"zeros"`
	BMCSID   uint32 `pack:""`
	AuthCode []byte `pack:"fill=0"`
}

// RAKPMessage4 is IPMI table 13-21
type RAKPMessage4 struct {
	Tag        uint8  `pack:""`
	Status     uint8  `pack:""`
	reserved   uint16 `pack:"zeros"`
	ConsoleSID uint32 `pack:""`
	ICV        []byte `pack:"fill=0"`
}
