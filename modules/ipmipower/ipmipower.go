/* ipmipower.go: chassis power control and status over an IPMI session
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmipower

import (
	"github.com/kraken-hpc/ipmisession/core"
	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	"github.com/pkg/errors"
)

// chassis commands
const (
	IPMICmdGetChassisStatus uint8 = 0x01
	IPMICmdChassisCtl       uint8 = 0x02
)

// chassis control sub-commands
const (
	IPMIChassisCtlDown      uint8 = 0x00
	IPMIChassisCtlUp        uint8 = 0x01
	IPMIChassisCtlCycle     uint8 = 0x02
	IPMIChassisCtlHardReset uint8 = 0x03
	IPMIChassisCtlSoftOff   uint8 = 0x05
)

// State is the chassis power state as reported by Get Chassis Status
type State string

const (
	PowerOn    State = "POWER_ON"
	PowerOff   State = "POWER_OFF"
	PowerFault State = "PHYS_HANG"
)

var subCmds = map[string]uint8{
	"off":   IPMIChassisCtlDown,
	"on":    IPMIChassisCtlUp,
	"cycle": IPMIChassisCtlCycle,
	"reset": IPMIChassisCtlHardReset,
	"soft":  IPMIChassisCtlSoftOff,
}

var (
	ErrUnknownOperation = errors.New("unknown power operation")
	ErrShortStatus      = errors.New("unexpected chassis status data length")
)

// A Commander sends raw IPMI commands; *core.Session is one
type Commander interface {
	RawCommand(core.Request) (*ipmi.Response, error)
}

// Status reads the current power state. Fault bits yield PowerFault and a descriptive error.
func Status(c Commander) (State, error) {
	r, e := c.RawCommand(core.Request{NetFn: ipmi.IPMIFnChassisReq, Command: IPMICmdGetChassisStatus})
	if e != nil {
		return "", e
	}
	if es := ipmi.ErrorString(r, " getting chassis status"); es != "" {
		return "", errors.New(es)
	}
	if len(r.Data) < 3 {
		return "", errors.Wrapf(ErrShortStatus, "%d bytes", len(r.Data))
	}
	d := r.Data[0]
	switch {
	case d&0x02 != 0:
		return PowerFault, errors.New("power overload")
	case d&0x04 != 0:
		return PowerFault, errors.New("interlock")
	case d&0x08 != 0:
		return PowerFault, errors.New("power fault")
	case d&0x10 != 0:
		return PowerFault, errors.New("power control fault")
	case d&0x01 != 0:
		return PowerOn, nil
	}
	return PowerOff, nil
}

// Control issues a chassis control operation: off, on, cycle, reset or soft
func Control(c Commander, op string) error {
	sub, ok := subCmds[op]
	if !ok {
		return errors.Wrap(ErrUnknownOperation, op)
	}
	r, e := c.RawCommand(core.Request{NetFn: ipmi.IPMIFnChassisReq, Command: IPMICmdChassisCtl, Data: []byte{sub}})
	if e != nil {
		return e
	}
	if es := ipmi.ErrorString(r, " in chassis control "+op); es != "" {
		return errors.New(es)
	}
	return nil
}
