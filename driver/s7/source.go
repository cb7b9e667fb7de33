// Package s7 reads single values from Siemens S7 PLCs for HAL pins.
package s7

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	s7 "github.com/robinson/gos7"
	"github.com/sirupsen/logrus"
)

// Config is the connection and variable of one source.
type Config struct {
	Address  string // host:port of the PLC
	Rack     int
	Slot     int
	Variable string // z.B. DB1.DBD4
	DataType string // BOOL, BYTE, INT, DINT, REAL, WORD, DWORD
	Timeout  time.Duration
}

// AreaReader is the part of the gos7 client used for reading.
type AreaReader interface {
	AGReadEB(start int, size int, buffer []byte) error
	AGReadAB(start int, size int, buffer []byte) error
	AGReadMB(start int, size int, buffer []byte) error
	AGReadDB(dbNumber int, start int, size int, buffer []byte) error
}

type dialFunc func(cfg Config) (AreaReader, func() error, error)

// Source polls one S7 variable. The connection is opened on the first read
// and reopened after a failed one.
type Source struct {
	cfg  Config
	addr Address
	dial dialFunc

	mu     sync.Mutex
	client AreaReader
	close  func() error
}

// NewSource validates cfg without connecting.
func NewSource(cfg Config) (*Source, error) {
	addr, err := ParseAddress(cfg.Variable)
	if err != nil {
		return nil, fmt.Errorf("S7: %w", err)
	}
	cfg.DataType = strings.ToUpper(cfg.DataType)
	if cfg.DataType == "" {
		cfg.DataType = defaultType(addr)
	}
	if n := Size(cfg.DataType); n == 0 {
		return nil, fmt.Errorf("S7: unsupported data type %q", cfg.DataType)
	} else if cfg.DataType != "BOOL" && n != addr.Size {
		return nil, fmt.Errorf("S7: %s does not fit %s", cfg.DataType, cfg.Variable)
	}
	if cfg.DataType == "BOOL" && addr.BitAddr < 0 {
		return nil, fmt.Errorf("S7: BOOL needs a bit address, got %s", cfg.Variable)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Source{cfg: cfg, addr: addr, dial: dialPLC}, nil
}

func defaultType(addr Address) string {
	switch {
	case addr.BitAddr >= 0:
		return "BOOL"
	case addr.Size == 2:
		return "INT"
	case addr.Size == 4:
		return "REAL"
	}
	return "BYTE"
}

func dialPLC(cfg Config) (AreaReader, func() error, error) {
	handler := s7.NewTCPClientHandler(cfg.Address, cfg.Rack, cfg.Slot)
	handler.Timeout = cfg.Timeout
	handler.IdleTimeout = 60 * time.Second
	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return s7.NewClient(handler), handler.Close, nil
}

// ReadArea reads the raw bytes of addr.
func ReadArea(client AreaReader, addr Address) ([]byte, error) {
	buf := make([]byte, addr.Size)
	var err error
	switch addr.Area {
	case Input:
		err = client.AGReadEB(addr.ByteAddr, addr.Size, buf)
	case Output:
		err = client.AGReadAB(addr.ByteAddr, addr.Size, buf)
	case Merker:
		err = client.AGReadMB(addr.ByteAddr, addr.Size, buf)
	case DataBlock:
		err = client.AGReadDB(addr.DBNum, addr.ByteAddr, addr.Size, buf)
	default:
		err = fmt.Errorf("unsupported area %v", addr.Area)
	}
	return buf, err
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
			return 0, fmt.Errorf("S7: connect %s: %w", s.cfg.Address, err)
		}
		logrus.Infof("S7: connected to %s (rack %d, slot %d)", s.cfg.Address, s.cfg.Rack, s.cfg.Slot)
		s.client, s.close = client, closeFn
	}
	buf, err := ReadArea(s.client, s.addr)
	if err != nil {
		s.disconnect()
		return 0, fmt.Errorf("S7: read %s: %w", s.cfg.Variable, err)
	}
	return Decode(buf, s.addr, s.cfg.DataType)
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
