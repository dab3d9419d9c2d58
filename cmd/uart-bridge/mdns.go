package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_uart-bridge._tcp"

// mdnsRecords builds the TXT records describing how to join this bridge.
func mdnsRecords(cfg *appConfig) []string {
	meta := []string{
		"role=" + strings.Join(cfg.roles, ","),
		"bus=" + cfg.busKind,
		"version=" + version,
		"commit=" + commit,
	}
	switch cfg.busKind {
	case "zmq":
		zc := zmqConfig(cfg)
		meta = append(meta, "to_serial="+zc.ToSerial, "from_serial="+zc.FromSerial)
	case "redis":
		meta = append(meta, "redis_prefix="+cfg.redisPrefix)
	}
	return meta
}

// endpointPort extracts the port of a host:port or tcp://host:port address.
func endpointPort(addr string) int {
	addr = strings.TrimPrefix(addr, "tcp://")
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	if port <= 0 {
		return nil, fmt.Errorf("mdns register: no port to advertise")
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("uart-bridge-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsRecords(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
