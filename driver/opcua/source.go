// Package opcua reads single node values from OPC UA servers for HAL pins.
package opcua

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Endpoint       string // opc.tcp://host:4840
	NodeID         string // ns=2;s=Carousel.Position
	SecurityMode   string
	SecurityPolicy string
	CertFile       string
	KeyFile        string
	Username       string
	Password       string
	Timeout        time.Duration
}

// NodeReader reads one value attribute.
type NodeReader interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
}

type dialFunc func(ctx context.Context, cfg Config) (NodeReader, func(context.Context) error, error)

// Source polls one node. It connects on the first read and reconnects after
// a failed one.
type Source struct {
	cfg    Config
	nodeID *ua.NodeID
	dial   dialFunc

	mu     sync.Mutex
	client NodeReader
	close  func(context.Context) error
}

// NewSource validates the endpoint and node id without connecting.
func NewSource(cfg Config) (*Source, error) {
	if !strings.HasPrefix(cfg.Endpoint, "opc.tcp://") {
		return nil, fmt.Errorf("OPC-UA: invalid address %q: must start with 'opc.tcp://'", cfg.Endpoint)
	}
	if err := checkNodeID(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("OPC-UA: failed to parse node ID %q: %w", cfg.NodeID, err)
	}
	id, err := ua.ParseNodeID(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("OPC-UA: failed to parse node ID %q: %w", cfg.NodeID, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Source{cfg: cfg, nodeID: id, dial: dialServer}, nil
}

// checkNodeID requires the explicit id syntax: an optional ns=<n>; prefix
// followed by i=, s=, g= or b=. ua.ParseNodeID alone takes any other text as a
// string id.
func checkNodeID(id string) error {
	rest := id
	if strings.HasPrefix(rest, "nsu=") {
		return fmt.Errorf("namespace URIs are not supported, use ns=<index>")
	}
	switch {
	case strings.HasPrefix(rest, "ns="):
		ns, tail, ok := strings.Cut(rest[len("ns="):], ";")
		if !ok {
			return fmt.Errorf("namespace without identifier")
		}
		if _, err := strconv.ParseUint(ns, 10, 16); err != nil {
			return fmt.Errorf("invalid namespace %q", ns)
		}
		rest = tail
	}
	for _, prefix := range []string{"i=", "s=", "g=", "b="} {
		if strings.HasPrefix(rest, prefix) && len(rest) > len(prefix) {
			return nil
		}
	}
	return fmt.Errorf("identifier must start with i=, s=, g= or b=")
}

func dialServer(ctx context.Context, cfg Config) (NodeReader, func(context.Context) error, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := opcua.NewClient(cfg.Endpoint, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OPC-UA client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to OPC-UA server: %w", err)
	}
	return client, client.Close, nil
}

func (s *Source) Read(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		client, closeFn, err := s.dial(ctx, s.cfg)
		if err != nil {
			return 0, err
		}
		logrus.Infof("OPC-UA: connected to %s", s.cfg.Endpoint)
		s.client, s.close = client, closeFn
	}

	resp, err := s.client.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: s.nodeID, AttributeID: ua.AttributeIDValue}},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		s.disconnect(ctx)
		return 0, fmt.Errorf("OPC-UA: reading %s failed: %w", s.cfg.NodeID, err)
	}
	if len(resp.Results) == 0 {
		return 0, fmt.Errorf("OPC-UA: no result for %s", s.cfg.NodeID)
	}
	result := resp.Results[0]
	if result.Status != ua.StatusOK {
		return 0, fmt.Errorf("OPC-UA: reading node %s failed with status: %v", s.cfg.NodeID, result.Status)
	}
	if result.Value == nil {
		return 0, fmt.Errorf("OPC-UA: no value for node %s", s.cfg.NodeID)
	}
	return ToFloat(result.Value.Value())
}

func (s *Source) disconnect(ctx context.Context) error {
	var err error
	if s.close != nil {
		err = s.close(ctx)
	}
	s.client, s.close = nil, nil
	return err
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.disconnect(ctx)
}

// ToFloat converts the numeric and boolean variant types to float64.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case int8:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		if math.IsNaN(x) {
			return 0, fmt.Errorf("OPC-UA: value is NaN")
		}
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("OPC-UA: %q is not numeric", x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("OPC-UA: unsupported value type %T", v)
}
