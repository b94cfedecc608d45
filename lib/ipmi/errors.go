/* errors.go: codec errors and IPMI/RMCP+ status code strings
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmi

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrShortPacket        = errors.New("packet too short")
	ErrBadChecksum        = errors.New("checksum mismatch")
	ErrBadMagic           = errors.New("not an RMCP/IPMI frame")
	ErrBadAuthCode        = errors.New("authentication code mismatch")
	ErrBadPadding         = errors.New("invalid confidentiality pad")
	ErrUnsupportedPayload = errors.New("unsupported payload type")
	ErrUnsupportedAuth    = errors.New("unsupported session authentication type")
)

// Response is a decoded IPMI response, or a session-level failure when Error is set.
type Response struct {
	NetFn   uint8
	Command uint8
	Code    uint16
	Data    []byte
	Error   string
}

// Err returns Error as an error value, or nil.
func (r *Response) Err() error {
	if r == nil || r.Error == "" {
		return nil
	}
	return errors.New(r.Error)
}

type netfnCmd struct {
	netfn uint8
	cmd   uint8
}

// CompletionCodes are the generic IPMI completion codes (IPMI table 5-2)
var CompletionCodes = map[uint16]string{
	0x00:   "Success",
	0xc0:   "Node Busy",
	0xc1:   "Invalid command",
	0xc2:   "Invalid command for given LUN",
	0xc3:   "Timeout while processing command",
	0xc4:   "Out of storage space on BMC",
	0xc5:   "Reservation canceled or invalid reservation ID",
	0xc6:   "Request data truncated",
	0xc7:   "Request data length invalid",
	0xc8:   "Request data field length limit exceeded",
	0xc9:   "Parameter out of range",
	0xca:   "Cannot return number of requested data bytes",
	0xcb:   "Requested sensor, data, or record not present",
	0xcc:   "Invalid data field in request",
	0xcd:   "Command illegal for specified sensor or record type",
	0xce:   "Command response could not be provided",
	0xcf:   "Cannot execute duplicated request",
	0xd0:   "SDR repository in update mode",
	0xd1:   "Device in firmware update mode",
	0xd2:   "BMC initialization in progress",
	0xd3:   "Internal destination unavailable",
	0xd4:   "Insufficient privilege level or firmware firewall",
	0xd5:   "Command not supported in present state",
	0xd6:   "Cannot execute command because subfunction disabled or unavailable",
	0xff:   "Unspecified",
	0xffff: "Timeout",
}

// commandCompletionCodes are command specific codes, keyed by response netfn and command
var commandCompletionCodes = map[netfnCmd]map[uint16]string{
	{IPMIFnAppRes, IPMICmdGetSessionChal}: {
		0x81: "Invalid user name",
		0x82: "Null user disabled",
	},
	{IPMIFnAppRes, IPMICmdActivateSess}: {
		0x81: "No available login slots",
		0x82: "No available login slots for requested user",
		0x83: "No slot available with requested privilege level",
		0x84: "Session sequence number out of range",
		0x85: "Invalid session ID",
		0x86: "Requested privilege level exceeds requested user permissions on this channel",
	},
	{IPMIFnAppRes, IPMICmdSetSessionPriv}: {
		0x80: "User is not allowed requested privilege level",
		0x81: "Requested privilege level is not allowed over this channel",
		0x82: "Cannot disable user level authentication",
	},
	{IPMIFnChassisRes, 0x08}: { // set system boot options
		0x80: "Parameter not supported",
		0x81: "Attempt to set set 'set in progress' when not 'set complete'",
		0x82: "Attempt to write read-only parameter",
	},
	{IPMIFnAppRes, 0x48}: { // activate payload
		0x80: "Payload already active on another session",
		0x81: "Payload is disabled",
		0x82: "Payload activation limit reached",
		0x83: "Cannot activate payload with encryption",
		0x84: "Cannot activate payload without encryption",
	},
	{IPMIFnAppReq, 0x47}: { // set user password
		0x80: "Password test failed. Password does not match stored value",
		0x81: "Password test failed. Wrong password size was used",
	},
}

// RMCPStatusCodes are the RMCP+ session establishment status codes (IPMI table 13-15)
var RMCPStatusCodes = map[uint8]string{
	0x01: "Insufficient resources to create new session (wait for existing sessions to timeout)",
	0x02: "Invalid Session ID",
	0x03: "Invalid payload type",
	0x04: "Invalid authentication algorithm",
	0x05: "Invalid integrity algorithm",
	0x06: "No matching integrity payload",
	0x07: "No matching integrity payload",
	0x08: "Inactive Session ID",
	0x09: "Invalid role",
	0x0a: "Unauthorized role or privilege level requested",
	0x0b: "Insufficient resources to create a session at the requested role",
	0x0c: "Invalid username length",
	0x0d: "Unauthorized name",
	0x0e: "Unauthorized GUID",
	0x0f: "Invalid integrity check value",
	0x10: "Invalid confidentiality algorithm",
	0x11: "No Cipher suite match with proposed security algorithms",
	0x12: "Illegal or unrecognized parameter",
}

// RMCPStatusString renders an RMCP+ status code
func RMCPStatusString(code uint8) string {
	if s, ok := RMCPStatusCodes[code]; ok {
		return s
	}
	return fmt.Sprintf("Unrecognized RMCP code %d", code)
}

// ErrorString describes a failed response, with suffix appended to known messages.
// It returns "" for a successful response.
func ErrorString(r *Response, suffix string) string {
	if r.Error != "" {
		return r.Error + suffix
	}
	if r.Code == 0 {
		return ""
	}
	if codes, ok := commandCompletionCodes[netfnCmd{r.NetFn, r.Command}]; ok {
		if s, ok := codes[r.Code]; ok {
			return s + suffix
		}
	}
	if s, ok := CompletionCodes[r.Code]; ok {
		return s + suffix
	}
	return fmt.Sprintf("Unknown code 0x%02x encountered", r.Code)
}
