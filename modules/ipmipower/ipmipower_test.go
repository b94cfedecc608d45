/* ipmipower_test.go: tests for chassis power control
 *
 * This software is open source software available under the BSD-3 license.
 * Copyright (c) 2018-2021, Triad National Security, LLC
 * See LICENSE file for details.
 */

package ipmipower

import (
	"testing"

	"github.com/kraken-hpc/ipmisession/core"
	"github.com/kraken-hpc/ipmisession/lib/ipmi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBMC struct {
	sent []core.Request
	rsp  *ipmi.Response
	err  error
}

func (f *fakeBMC) RawCommand(req core.Request) (*ipmi.Response, error) {
	f.sent = append(f.sent, req)
	return f.rsp, f.err
}

func TestStatus(t *testing.T) {
	for _, c := range []struct {
		bits  uint8
		state State
		err   string
	}{
		{0x01, PowerOn, ""},
		{0x00, PowerOff, ""},
		{0x03, PowerFault, "power overload"},
		{0x05, PowerFault, "interlock"},
		{0x08, PowerFault, "power fault"},
		{0x11, PowerFault, "power control fault"},
	} {
		f := &fakeBMC{rsp: &ipmi.Response{NetFn: ipmi.IPMIFnChassisRes, Command: IPMICmdGetChassisStatus, Data: []byte{c.bits, 0, 0}}}
		st, e := Status(f)
		assert.Equal(t, c.state, st)
		if c.err == "" {
			assert.NoError(t, e)
		} else {
			assert.EqualError(t, e, c.err)
		}
		require.Len(t, f.sent, 1)
		assert.Equal(t, ipmi.IPMIFnChassisReq, f.sent[0].NetFn)
		assert.Equal(t, IPMICmdGetChassisStatus, f.sent[0].Command)
	}
}

func TestStatusErrors(t *testing.T) {
	_, e := Status(&fakeBMC{rsp: &ipmi.Response{Data: []byte{0x01}}})
	assert.Equal(t, ErrShortStatus, errors.Cause(e))

	_, e = Status(&fakeBMC{rsp: &ipmi.Response{Error: "timeout", Code: ipmi.IPMICmpTimeout}})
	assert.EqualError(t, e, "timeout getting chassis status")

	_, e = Status(&fakeBMC{err: core.ErrNotConnected})
	assert.Equal(t, core.ErrNotConnected, e)
}

func TestControl(t *testing.T) {
	f := &fakeBMC{rsp: &ipmi.Response{NetFn: ipmi.IPMIFnChassisRes, Command: IPMICmdChassisCtl, Data: []byte{}}}
	require.NoError(t, Control(f, "cycle"))
	require.Len(t, f.sent, 1)
	assert.Equal(t, IPMICmdChassisCtl, f.sent[0].Command)
	assert.Equal(t, []byte{IPMIChassisCtlCycle}, f.sent[0].Data)

	e := Control(f, "explode")
	assert.Equal(t, ErrUnknownOperation, errors.Cause(e))
	assert.Len(t, f.sent, 1)

	f.rsp = &ipmi.Response{NetFn: ipmi.IPMIFnChassisRes, Command: IPMICmdChassisCtl, Code: 0xd4}
	e = Control(f, "off")
	require.Error(t, e)
	assert.Contains(t, e.Error(), "in chassis control off")
}
