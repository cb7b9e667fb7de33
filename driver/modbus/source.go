// Package modbus reads single register values over Modbus TCP or RTU for
// HAL pins.
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"
)

// RegisterType is the Modbus register table an address points into.
type RegisterType string

const (
	Holding  RegisterType = "holding"
	Input    RegisterType = "input"
	Coil     RegisterType = "coil"
	Discrete RegisterType = "discrete"
)

type Config struct {
	// Address is host:port for Modbus TCP or a serial device path for RTU.
	Address  string
	BaudRate int
	Parity   string
	SlaveID  byte
	Register uint16
	Type     RegisterType
	// DataType is one of int16, uint16, int32, uint32, float32.
	DataType string
	// WordSwap puts the low word first for 32 bit values.
	WordSwap   bool
	Multiplier float64
	Offset     float64
	Timeout    time.Duration
}

// Reader is the part of the goburrow client used for reading.
type Reader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
}

type dialFunc func(cfg Config) (Reader, func() error, error)

type Source struct {
	cfg  Config
	dial dialFunc

	mu     sync.Mutex
	client Reader
	close  func() error
}

func NewSource(cfg Config) (*Source, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("MODBUS: missing address")
	}
	cfg.Type = RegisterType(strings.ToLower(string(cfg.Type)))
	switch cfg.Type {
	case "":
		cfg.Type = Holding
	case Holding, Input, Coil, Discrete:
	default:
		return nil, fmt.Errorf("MODBUS: unknown register type %q", cfg.Type)
	}
	cfg.DataType = strings.ToLower(cfg.DataType)
	if cfg.DataType == "" {
		cfg.DataType = "int16"
	}
	if words(cfg.DataType) == 0 {
		return nil, fmt.Errorf("MODBUS: unsupported data type %q", cfg.DataType)
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Source{cfg: cfg, dial: dialDevice}, nil
}

func words(datatype string) uint16 {
	switch datatype {
	case "int16", "uint16":
		return 1
	case "int32", "uint32", "float32":
		return 2
	}
	return 0
}

func dialDevice(cfg Config) (Reader, func() error, error) {
	if strings.HasPrefix(cfg.Address, "/dev/") {
		handler := modbus.NewRTUClientHandler(cfg.Address)
		handler.BaudRate = cfg.BaudRate
		if handler.BaudRate == 0 {
			handler.BaudRate = 19200
		}
		handler.DataBits = 8
		handler.StopBits = 1
		// parity
		switch strings.ToUpper(cfg.Parity) {
		case "E", "EVEN":
			handler.Parity = "E"
		case "O", "ODD":
			handler.Parity = "O"
		default:
			handler.Parity = "N"
		}
		handler.SlaveId = cfg.SlaveID
		handler.Timeout = cfg.Timeout
		if err := handler.Connect(); err != nil {
			return nil, nil, err
		}
		return modbus.NewClient(handler), handler.Close, nil
	}
	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.SlaveId = cfg.SlaveID
	handler.Timeout = cfg.Timeout
	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler.Close, nil
}

func (s *Source) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		client, closeFn, err := s.dial(s.cfg)
		if err != nil {
			return 0, fmt.Errorf("MODBUS: connect %s: %w", s.cfg.Address, err)
		}
		logrus.Infof("MODBUS: connected to %s (slave %d)", s.cfg.Address, s.cfg.SlaveID)
		s.client, s.close = client, closeFn
	}

	var raw []byte
	var err error
	switch s.cfg.Type {
	case Holding:
		raw, err = s.client.ReadHoldingRegisters(s.cfg.Register, words(s.cfg.DataType))
	case Input:
		raw, err = s.client.ReadInputRegisters(s.cfg.Register, words(s.cfg.DataType))
	case Coil:
		raw, err = s.client.ReadCoils(s.cfg.Register, 1)
	case Discrete:
		raw, err = s.client.ReadDiscreteInputs(s.cfg.Register, 1)
	}
	if err != nil {
		s.disconnect()
		return 0, fmt.Errorf("MODBUS: reading register %d failed: %w", s.cfg.Register, err)
	}
	if s.cfg.Type == Coil || s.cfg.Type == Discrete {
		if len(raw) == 0 {
			return 0, fmt.Errorf("MODBUS: empty response for register %d", s.cfg.Register)
		}
		return float64(raw[0] & 1), nil
	}
	v, err := Decode(raw, s.cfg.DataType, s.cfg.WordSwap)
	if err != nil {
		return 0, err
	}
	return v*s.cfg.Multiplier + s.cfg.Offset, nil
}

// Decode converts big-endian register bytes to a number.
func Decode(raw []byte, datatype string, wordSwap bool) (float64, error) {
	n := int(words(datatype)) * 2
	if n == 0 {
		return 0, fmt.Errorf("MODBUS: unsupported data type %q", datatype)
	}
	if len(raw) < n {
		return 0, fmt.Errorf("MODBUS: %s needs %d bytes, got %d", datatype, n, len(raw))
	}
	buf := raw[:n]
	if n == 4 && wordSwap {
		buf = []byte{raw[2], raw[3], raw[0], raw[1]}
	}
	switch datatype {
	case "int16":
		return float64(int16(binary.BigEndian.Uint16(buf))), nil
	case "uint16":
		return float64(binary.BigEndian.Uint16(buf)), nil
	case "int32":
		return float64(int32(binary.BigEndian.Uint32(buf))), nil
	case "uint32":
		return float64(binary.BigEndian.Uint32(buf)), nil
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(buf))), nil
}

func (s *Source) disconnect() error {
	var err error
	if s.close != nil {
		err = s.close()
	}
	s.client, s.close = nil, nil
	return err
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnect()
}
