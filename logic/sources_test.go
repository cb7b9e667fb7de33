package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcp-gateway/driver/modbus"
	"vcp-gateway/driver/opcua"
	"vcp-gateway/driver/s7"
	"vcp-gateway/hal"
	"vcp-gateway/plugin"
)

func drivers() DriversConfig {
	return DriversConfig{
		S7:     map[string]S7Device{"plc1": {Address: "10.0.0.5:102", Slot: 1}},
		OPCUA:  map[string]OPCUADevice{"cnc": {Endpoint: "opc.tcp://cnc:4840"}},
		Modbus: map[string]ModbusDevice{"vfd": {Address: "10.0.0.9:502"}, "io": {Address: "10.0.0.10:502"}},
	}
}

func TestSourceOpenerPicksDriver(t *testing.T) {
	open := SourceOpener(drivers())

	src, err := open(hal.PinConfig{Name: "a", Source: "s7", Address: "DB10.DBD0:REAL"})
	require.NoError(t, err)
	assert.IsType(t, &s7.Source{}, src)

	src, err = open(hal.PinConfig{Name: "b", Source: "opcua:cnc", Address: "ns=2;s=Carousel.Position"})
	require.NoError(t, err)
	assert.IsType(t, &opcua.Source{}, src)

	src, err = open(hal.PinConfig{Name: "c", Source: "modbus:vfd", Address: "holding:3:uint16:0.1:-5"})
	require.NoError(t, err)
	assert.IsType(t, &modbus.Source{}, src)
}

func TestSourceOpenerErrors(t *testing.T) {
	open := SourceOpener(drivers())

	cases := []struct {
		pin  hal.PinConfig
		kind error
	}{
		{hal.PinConfig{Source: "modbus", Address: "holding:3"}, plugin.ErrNotFound},
		{hal.PinConfig{Source: "s7:plc9", Address: "MW0"}, plugin.ErrNotFound},
		{hal.PinConfig{Source: "canbus", Address: "1"}, plugin.ErrNotFound},
		{hal.PinConfig{Source: "s7", Address: "DB1.DBX0"}, plugin.ErrParse},
		{hal.PinConfig{Source: "opcua", Address: "not a node"}, plugin.ErrParse},
		{hal.PinConfig{Source: "modbus:io", Address: "holding"}, plugin.ErrParse},
		{hal.PinConfig{Source: "modbus:io", Address: "holding:70000"}, plugin.ErrParse},
		{hal.PinConfig{Source: "modbus:io", Address: "holding:1:float32:x"}, plugin.ErrParse},
		{hal.PinConfig{Source: "modbus:io", Address: "register:1"}, plugin.ErrParse},
	}
	for _, c := range cases {
		_, err := open(c.pin)
		assert.ErrorIs(t, err, c.kind, "%s %s", c.pin.Source, c.pin.Address)
	}
}
