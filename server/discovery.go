package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/hashicorp/mdns"
)

// mDNS service types desktop clients browse for when locating the broker on
// the local network.
const (
	ServiceTypeWS  = "_smsbridge-ws._tcp"
	ServiceTypeTCP = "_smsbridge-tcp._tcp"
)

// Advertiser announces the broker's transports over mDNS so clients on the
// same LAN can connect without manual configuration.
type Advertiser struct {
	servers []*mdns.Server
}

// NewAdvertiser advertises one mDNS service per registered transport.
func NewAdvertiser(instance string, transports []Transport) (*Advertiser, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}

	a := &Advertiser{}
	for _, t := range transports {
		meta := t.Meta()

		var serviceType string
		switch meta.Protocol {
		case "websocket":
			serviceType = ServiceTypeWS
		case "tcp":
			serviceType = ServiceTypeTCP
		default:
			continue
		}

		port, err := addrPort(meta.Address)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("advertising %s transport: %w", meta.Protocol, err)
		}

		service, err := mdns.NewMDNSService(
			instance,
			serviceType,
			"",
			"",
			port,
			nil,
			[]string{"transport=" + meta.Protocol},
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating mDNS service for %s: %w", meta.Protocol, err)
		}

		server, err := mdns.NewServer(&mdns.Config{Zone: service})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("starting mDNS server for %s: %w", meta.Protocol, err)
		}
		a.servers = append(a.servers, server)
		slog.Info("Advertising broker transport over mDNS", "service", serviceType, "instance", instance, "host", hostname, "port", port)
	}
	return a, nil
}

func (a *Advertiser) Close() {
	for _, s := range a.servers {
		if err := s.Shutdown(); err != nil {
			slog.Warn("Error shutting down mDNS server", "error", err.Error())
		}
	}
	a.servers = nil
}

func addrPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
