// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery announces the logger's HTTP API on the local network via
// mDNS (DNS-SD) and finds other logger instances the same way.
//
// Each logger registers one "_tuya-logger._tcp" service whose TXT record
// carries the plug it watches and the path of its status route:
//
//	device_id=bf1234567890abcdef
//	path=/api/status
//	version=1
//
// # Example Usage
//
//	adv, err := discovery.Advertise("kitchen-plug", 5005, "bf1234567890abcdef")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer adv.Shutdown()
//
//	scanner := discovery.NewScanner(discovery.ServiceType, discovery.Domain)
//	loggers, err := scanner.Discover(ctx, 3*time.Second)
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/soothill/tuya-energy-logger/pkg/logger"
)

// Service registration defaults
const (
	ServiceType = "_tuya-logger._tcp"
	Domain      = "local."
	StatusPath  = "/api/status"
	txtVersion  = "1"
)

// Instance represents a discovered logger instance
type Instance struct {
	Name      string
	Address   net.IP
	Port      int
	TXTRecord map[string]string
	Hostname  string
}

// DeviceID returns the plug the instance is logging, falling back to its
// address when the TXT record does not name one.
func (i *Instance) DeviceID() string {
	if i.TXTRecord != nil {
		if id, ok := i.TXTRecord["device_id"]; ok && id != "" {
			return id
		}
	}
	return net.JoinHostPort(i.Address.String(), strconv.Itoa(i.Port))
}

// StatusURL returns the URL of the instance's live status route
func (i *Instance) StatusURL() string {
	path := StatusPath
	if p, ok := i.TXTRecord["path"]; ok && strings.HasPrefix(p, "/") {
		path = p
	}
	return "http://" + net.JoinHostPort(i.Address.String(), strconv.Itoa(i.Port)) + path
}

// Advertisement is a live mDNS registration
type Advertisement struct {
	server *zeroconf.Server
	once   sync.Once
}

// Advertise registers the HTTP API on every multicast-capable interface.
func Advertise(instance string, port int, deviceID string) (*Advertisement, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, advertisedTXT(deviceID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logger.Info().
		Str("instance", instance).
		Str("service", ServiceType).
		Int("port", port).
		Msg("Advertising HTTP API via mDNS")
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the registration; safe to call more than once.
func (a *Advertisement) Shutdown() {
	a.once.Do(a.server.Shutdown)
}

func advertisedTXT(deviceID string) []string {
	return []string{
		"device_id=" + deviceID,
		"path=" + StatusPath,
		"version=" + txtVersion,
	}
}

// PortFromAddr extracts the numeric port from a host:port listen address
func PortFromAddr(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return port, nil
}

// Scanner browses for logger instances
type Scanner struct {
	serviceType string
	domain      string
	instances   map[string]*Instance
	mu          sync.RWMutex // Protects instances map
}

// NewScanner creates a new scanner
func NewScanner(serviceType, domain string) *Scanner {
	return &Scanner{
		serviceType: serviceType,
		domain:      domain,
		instances:   make(map[string]*Instance),
	}
}

// Discover browses for timeout and returns the instances seen in this scan.
// Results also accumulate in the scanner across calls.
func (s *Scanner) Discover(ctx context.Context, timeout time.Duration) ([]*Instance, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	// Buffered so a burst of answers does not stall the resolver
	entries := make(chan *zeroconf.ServiceEntry, 10)
	found := make([]*Instance, 0)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		// The resolver closes entries when the browse context ends
		for entry := range entries {
			instance := parseServiceEntry(entry)
			if instance == nil {
				continue
			}
			id := instance.DeviceID()

			s.mu.Lock()
			s.instances[id] = instance
			s.mu.Unlock()
			found = append(found, instance)

			logger.Info().
				Str("device_id", id).
				Str("instance", instance.Name).
				Str("address", instance.Address.String()).
				Int("port", instance.Port).
				Msg("Discovered logger instance")
		}
	}()

	discoverCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(discoverCtx, s.serviceType, s.domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse: %w", err)
	}

	<-discoverCtx.Done()
	wg.Wait()

	return found, nil
}

// parseServiceEntry converts a zeroconf service entry to an Instance
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Instance {
	if entry == nil {
		return nil
	}
	if len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return nil
	}

	// Prefer IPv4, fallback to IPv6
	var addr net.IP
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0]
	} else {
		addr = entry.AddrIPv6[0]
	}

	return &Instance{
		Name:      entry.Instance,
		Address:   addr,
		Port:      entry.Port,
		TXTRecord: parseTXT(entry.Text),
		Hostname:  entry.HostName,
	}
}

func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, record := range records {
		if key, value, ok := strings.Cut(record, "="); ok {
			txt[key] = value
		}
	}
	return txt
}

// GetInstances returns all instances seen so far
func (s *Scanner) GetInstances() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := make([]*Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		instances = append(instances, instance)
	}
	return instances
}

// GetInstanceByDeviceID returns the instance logging deviceID, or nil
func (s *Scanner) GetInstanceByDeviceID(deviceID string) *Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[deviceID]
}
