package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-uart-bridge/internal/bus"
	"github.com/kstaniek/go-uart-bridge/internal/hub"
)

// newBus is a hook for tests.
var newBus = initBus

func busOptions(cfg *appConfig) bus.Options {
	opts := bus.Options{SubBuffer: cfg.subBuffer}
	if cfg.busPolicy == "kick" {
		opts.Policy = hub.PolicyKick
	}
	return opts
}

// zmqConfig returns the endpoints for this process: the broker binds, every
// other role connects. Flags override the per-side defaults.
func zmqConfig(cfg *appConfig) bus.ZMQConfig {
	side := bus.SidePeer
	if cfg.hasRole(roleBroker) {
		side = bus.SideBroker
	}
	zc := bus.DefaultZMQConfig(side)
	if cfg.zmqToSerial != "" {
		zc.ToSerial = cfg.zmqToSerial
	}
	if cfg.zmqFromSerial != "" {
		zc.FromSerial = cfg.zmqFromSerial
	}
	return zc
}

func initBus(ctx context.Context, cfg *appConfig, l *slog.Logger) (bus.Bus, error) {
	opts := busOptions(cfg)
	switch cfg.busKind {
	case "memory":
		l.Info("bus_config", "bus", "memory", "policy", opts.Policy.String(), "buffer", opts.SubBuffer)
		return bus.NewMemory(opts), nil
	case "zmq":
		zc := zmqConfig(cfg)
		l.Info("bus_config", "bus", "zmq", "side", zc.Side.String(), "to_serial", zc.ToSerial, "from_serial", zc.FromSerial, "policy", opts.Policy.String(), "buffer", opts.SubBuffer)
		return bus.NewZMQ(ctx, zc, opts)
	case "redis":
		l.Info("bus_config", "bus", "redis", "prefix", cfg.redisPrefix, "policy", opts.Policy.String(), "buffer", opts.SubBuffer)
		return bus.NewRedis(ctx, bus.RedisConfig{Addr: cfg.redisAddr, Prefix: cfg.redisPrefix}, opts)
	default:
		return nil, fmt.Errorf("unknown bus %q (use zmq|redis|memory)", cfg.busKind)
	}
}
