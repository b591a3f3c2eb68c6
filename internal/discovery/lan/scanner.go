// internal/discovery/lan/scanner.go
package lan

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"labinstr/internal/discovery"
	"labinstr/internal/model"
	"labinstr/internal/protocol"
)

// Well known instrument ports
const (
	PortSCPIRaw  = 5025
	PortPortmap  = 111
	PortPrologix = 1234
)

// DefaultConnTimeout bounds each connect attempt.
const DefaultConnTimeout = 500 * time.Millisecond

// Target is one host and port to check.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Label names the address table entry or gateway the target came from.
	Label string `json:"label,omitempty"`
}

func (t Target) address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Config for LAN scanner
type Config struct {
	Targets     []Target      `json:"targets"`
	ConnTimeout time.Duration `json:"connection_timeout"`
	MaxParallel int           `json:"max_parallel"`
}

// Scanner checks configured LAN instruments and gateways with a TCP
// connect. It never sends data.
type Scanner struct {
	logger *zap.Logger
	config *Config
	dialer func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewScanner creates a new LAN scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &Config{}
	}
	if config.ConnTimeout <= 0 {
		config.ConnTimeout = DefaultConnTimeout
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = 16
	}
	d := &net.Dialer{}
	return &Scanner{
		logger: logger.With(zap.String("scanner", "lan")),
		config: config,
		dialer: d.DialContext,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "lan"
}

// IsAvailable reports whether there is anything to check
func (s *Scanner) IsAvailable() bool {
	return len(s.config.Targets) > 0
}

// Scan dials every target in parallel and reports the reachable ones,
// sorted by address.
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredInstrument, error) {
	var (
		mu    sync.Mutex
		found []*discovery.DiscoveredInstrument
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, s.config.MaxParallel)

	for _, target := range s.config.Targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if !s.reachable(ctx, target) {
				return
			}
			mu.Lock()
			found = append(found, &discovery.DiscoveredInstrument{
				ConnectionType: connectionType(target.Port),
				Resource:       "TCPIP0::" + target.Host + "::" + strconv.Itoa(target.Port) + "::SOCKET",
				Product:        target.Label,
			})
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Resource < found[j].Resource })
	s.logger.Info("LAN scan completed",
		zap.Int("targets", len(s.config.Targets)),
		zap.Int("reachable", len(found)),
	)
	return found, ctx.Err()
}

func (s *Scanner) reachable(ctx context.Context, target Target) bool {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnTimeout)
	defer cancel()

	conn, err := s.dialer(dialCtx, "tcp", target.address())
	if err != nil {
		s.logger.Debug("Target unreachable", zap.String("address", target.address()), zap.Error(err))
		return false
	}
	_ = conn.Close()
	return true
}

// connectionType guesses the transport from the port: the portmapper and
// the Prologix port belong to GPIB gateways.
func connectionType(port int) model.ConnectionType {
	switch port {
	case PortPortmap, PortPrologix:
		return model.ConnectionTypeGPIB
	default:
		return model.ConnectionTypeTCP
	}
}

// TargetsFromConfigs derives scan targets from resolved connection
// configs keyed by instrument id. Socket instruments are dialed on their
// own port; GPIB gateways once per host and port.
func TargetsFromConfigs(configs map[string]protocol.ConnectionConfig) []Target {
	seen := make(map[string]bool)
	var targets []Target
	add := func(t Target) {
		if t.Host == "" || seen[t.address()] {
			return
		}
		seen[t.address()] = true
		targets = append(targets, t)
	}

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := configs[id].WithDefaults()
		switch {
		case cfg.Type == model.ConnectionTypeTCP && cfg.TCP != nil:
			add(Target{Host: cfg.TCP.Host, Port: cfg.TCP.Port, Label: id})
		case cfg.Type == model.ConnectionTypeGPIB && cfg.GPIB != nil:
			port := cfg.GPIB.Port
			if port == 0 {
				port = PortPortmap
			}
			add(Target{Host: cfg.GPIB.Gateway, Port: port, Label: "gateway " + cfg.GPIB.Gateway})
		}
	}
	return targets
}
