package main

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// redisPinger приводит redis.Client к opsserver.Pinger.
type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
