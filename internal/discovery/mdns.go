package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

// MDNS advertises the server's HTTP interface over mDNS/DNS-SD so control
// apps that browse for LMS servers find it without a UDP probe.
type MDNS struct {
	name    string
	version string
	port    int
}

// NewMDNS creates an advertiser for the web port.
func NewMDNS(name, version string, port int) *MDNS {
	return &MDNS{name: name, version: version, port: port}
}

// Start registers the services and blocks until ctx is cancelled.
func (m *MDNS) Start(ctx context.Context) error {
	txt := []string{"version=" + m.version, "model=resonance"}

	httpSrv, err := zeroconf.Register(m.name, "_http._tcp", "local.", m.port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: mdns register http: %w", err)
	}
	lmsSrv, err := zeroconf.Register(m.name, "_slimdevices._tcp", "local.", m.port, txt, nil)
	if err != nil {
		httpSrv.Shutdown()
		return fmt.Errorf("discovery: mdns register slimdevices: %w", err)
	}
	slog.Info("discovery: mdns registered", "name", m.name, "port", m.port)

	<-ctx.Done()

	lmsSrv.Shutdown()
	httpSrv.Shutdown()
	slog.Info("discovery: mdns unregistered")
	return nil
}
