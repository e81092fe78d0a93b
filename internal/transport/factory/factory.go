// Package factory constructs the configured wire backend. It sits above the
// concrete backends so the master and minion entry points share one
// construction path and one reading of the transport config section.
package factory

import (
	"fmt"

	"yqhp/dispatch-engine/internal/config"
	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/internal/transport/redisq"
	"yqhp/dispatch-engine/internal/transport/rudp"
	"yqhp/dispatch-engine/internal/transport/tcpsock"
	"yqhp/dispatch-engine/pkg/types"
)

// NewListener builds the master-side listener for the configured backend.
// The monitor hook may be nil.
func NewListener(cfg *config.Config, monitor transport.MonitorFunc) (transport.Listener, types.TransportKind, error) {
	kind, err := transport.ParseKind(cfg.Transport.Kind)
	if err != nil {
		return nil, "", err
	}

	opts := options(cfg, monitor)
	switch kind {
	case types.TransportTCP:
		return tcpsock.NewListener(opts), kind, nil
	case types.TransportRedisQ:
		lst, err := redisq.NewListener(redisConfig(cfg), opts)
		if err != nil {
			return nil, "", fmt.Errorf("redisq listener: %w", err)
		}
		return lst, kind, nil
	case types.TransportRUDP:
		return rudp.NewListener(opts, rudpConfig(cfg)), kind, nil
	}
	return nil, "", fmt.Errorf("unknown transport kind: %q", kind)
}

// NewDialer builds the minion-side dialer for the configured backend.
func NewDialer(cfg *config.Config, minionID string) (transport.Dialer, error) {
	kind, err := transport.ParseKind(cfg.Transport.Kind)
	if err != nil {
		return nil, err
	}

	opts := options(cfg, nil)
	switch kind {
	case types.TransportTCP:
		return tcpsock.NewDialer(opts), nil
	case types.TransportRedisQ:
		return redisq.NewDialer(redisConfig(cfg), minionID, opts), nil
	case types.TransportRUDP:
		return rudp.NewDialer(opts, rudpConfig(cfg)), nil
	}
	return nil, fmt.Errorf("unknown transport kind: %q", kind)
}

func options(cfg *config.Config, monitor transport.MonitorFunc) *transport.Options {
	return &transport.Options{
		ListenAddr:    cfg.Transport.ListenAddr,
		MaxFrameBytes: cfg.Transport.MaxFrameBytes,
		SendTimeout:   cfg.Transport.SendTimeout,
		KeepAlive:     cfg.Transport.KeepAlive,
		Monitor:       monitor,
	}
}

func redisConfig(cfg *config.Config) redisq.ClientConfig {
	return redisq.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}
}

func rudpConfig(cfg *config.Config) rudp.Config {
	return rudp.Config{
		BufferCount:   cfg.Transport.RUDP.BufferCount,
		RetransmitMin: cfg.Transport.RUDP.RetransmitMin,
		RetransmitMax: cfg.Transport.RUDP.RetransmitMax,
		MaxRetries:    cfg.Transport.RUDP.MaxRetries,
	}
}
