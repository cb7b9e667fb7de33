package logic

import (
	"strconv"
	"strings"

	"vcp-gateway/driver/modbus"
	"vcp-gateway/driver/opcua"
	"vcp-gateway/driver/s7"
	"vcp-gateway/hal"
	"vcp-gateway/plugin"
)

// SourceOpener maps the source of a pin to its driver:
//
//	s7[:device]      address DB1.DBD4 or DB1.DBD4:REAL
//	opcua[:device]   address is the node id, e.g. ns=2;s=Carousel.Position
//	modbus[:device]  address holding:100[:float32[:multiplier[:offset]]]
func SourceOpener(d DriversConfig) hal.Opener {
	return func(pin hal.PinConfig) (hal.Source, error) {
		kind, device := splitSource(pin.Source)
		switch kind {
		case "s7":
			name, err := pickDevice(kind, device, deviceNames(d.S7))
			if err != nil {
				return nil, plugin.Wrap(plugin.ErrNotFound, "open pin", err)
			}
			return openS7(d.S7[name], pin.Address)
		case "opcua":
			name, err := pickDevice(kind, device, deviceNames(d.OPCUA))
			if err != nil {
				return nil, plugin.Wrap(plugin.ErrNotFound, "open pin", err)
			}
			dev := d.OPCUA[name]
			src, err := opcua.NewSource(opcua.Config{
				Endpoint:       dev.Endpoint,
				NodeID:         pin.Address,
				SecurityMode:   dev.SecurityMode,
				SecurityPolicy: dev.SecurityPolicy,
				CertFile:       dev.CertFile,
				KeyFile:        dev.KeyFile,
				Username:       dev.Username,
				Password:       dev.Password,
				Timeout:        dev.Timeout,
			})
			if err != nil {
				return nil, plugin.Wrap(plugin.ErrParse, "open pin", err)
			}
			return src, nil
		case "modbus":
			name, err := pickDevice(kind, device, deviceNames(d.Modbus))
			if err != nil {
				return nil, plugin.Wrap(plugin.ErrNotFound, "open pin", err)
			}
			return openModbus(d.Modbus[name], pin.Address)
		}
		return nil, plugin.Errorf(plugin.ErrNotFound, "open pin", "unknown source %q", pin.Source)
	}
}

func openS7(dev S7Device, address string) (hal.Source, error) {
	variable, datatype, _ := strings.Cut(address, ":")
	src, err := s7.NewSource(s7.Config{
		Address:  dev.Address,
		Rack:     dev.Rack,
		Slot:     dev.Slot,
		Variable: variable,
		DataType: datatype,
		Timeout:  dev.Timeout,
	})
	if err != nil {
		return nil, plugin.Wrap(plugin.ErrParse, "open pin", err)
	}
	return src, nil
}

func openModbus(dev ModbusDevice, address string) (hal.Source, error) {
	parts := strings.Split(address, ":")
	if len(parts) < 2 || len(parts) > 5 {
		return nil, plugin.Errorf(plugin.ErrParse, "open pin", "modbus address %q: want type:register[:datatype[:multiplier[:offset]]]", address)
	}
	register, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return nil, plugin.Errorf(plugin.ErrParse, "open pin", "modbus address %q: bad register", address)
	}
	cfg := modbus.Config{
		Address:  dev.Address,
		BaudRate: dev.BaudRate,
		Parity:   dev.Parity,
		SlaveID:  dev.SlaveID,
		Register: uint16(register),
		Type:     modbus.RegisterType(parts[0]),
		WordSwap: dev.WordSwap,
		Timeout:  dev.Timeout,
	}
	if len(parts) > 2 {
		cfg.DataType = parts[2]
	}
	if len(parts) > 3 {
		if cfg.Multiplier, err = strconv.ParseFloat(parts[3], 64); err != nil {
			return nil, plugin.Errorf(plugin.ErrParse, "open pin", "modbus address %q: bad multiplier", address)
		}
	}
	if len(parts) > 4 {
		if cfg.Offset, err = strconv.ParseFloat(parts[4], 64); err != nil {
			return nil, plugin.Errorf(plugin.ErrParse, "open pin", "modbus address %q: bad offset", address)
		}
	}
	src, err := modbus.NewSource(cfg)
	if err != nil {
		return nil, plugin.Wrap(plugin.ErrParse, "open pin", err)
	}
	return src, nil
}
