package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/clipsync/internal/config"
	"github.com/manpreetbhatti/clipsync/internal/discovery"
	"github.com/manpreetbhatti/clipsync/internal/transport"
	"github.com/manpreetbhatti/clipsync/internal/transport/memory"
	"github.com/manpreetbhatti/clipsync/internal/transport/redisbus"
	"github.com/manpreetbhatti/clipsync/internal/transport/relay"
)

// openTransport builds the peer transport named in c. The returned func
// releases its resources.
func openTransport(ctx context.Context, c *config.Config, discover bool, logger *zap.Logger) (transport.Transport, func(), error) {
	switch c.Client.Transport {
	case "memory":
		return memory.NewNetwork(), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", c.Redis.Addr, err)
		}
		t := redisbus.New(client, redisbus.WithPrefix(c.Redis.Prefix), redisbus.WithLogger(logger))
		return t, func() { client.Close() }, nil

	case "relay":
		server := c.Client.Relay
		if discover {
			bctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			found, err := discovery.Browse(bctx)
			cancel()
			if err != nil {
				return nil, nil, err
			}
			logger.Info("found relay", zap.String("instance", found.Instance), zap.String("url", found.URL))
			server = found.URL
		}
		t, err := relay.New(server, relay.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport %q", c.Client.Transport)
	}
}
