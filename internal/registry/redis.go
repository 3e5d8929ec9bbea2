/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

const (
	redisStream    = "glassdome:events"
	redisMaxLen    = 65536
	redisBlockTime = 5 * time.Second
)

// RedisBus publishes state changes onto one capped Redis stream so external
// subscribers survive process restarts and can resume from a cursor.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus connects to the given address and verifies it responds.
func NewRedisBus(addr string, logger *zap.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, contracts.NewTransient("connecting to redis at "+addr, err)
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish appends the change to the stream, trimming old entries.
func (b *RedisBus) Publish(ctx context.Context, change *contracts.StateChange) error {
	body, err := json.Marshal(change)
	if err != nil {
		return contracts.NewPermanent("serializing state change", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: redisStream,
		MaxLen: redisMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"topic":   change.Entity.String(),
			"payload": string(body),
		},
	}).Err()
	if err != nil {
		return contracts.NewTransient("publishing to redis stream", err)
	}
	return nil
}

// Subscribe reads the stream from the cursor ("0" for the retained start,
// empty for live-only) and forwards matching changes.
func (b *RedisBus) Subscribe(ctx context.Context, topic, cursor string) (<-chan contracts.StateChange, func(), error) {
	if cursor == "" {
		cursor = "$"
	}
	ch := make(chan contracts.StateChange, 256)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		lastID := cursor
		for {
			res, err := b.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{redisStream, lastID},
				Block:   redisBlockTime,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || subCtx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				b.logger.Warn("reading redis stream", zap.Error(err))
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			for _, stream := range res {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					payload, _ := msg.Values["payload"].(string)
					var ev contracts.StateChange
					if err := json.Unmarshal([]byte(payload), &ev); err != nil {
						b.logger.Warn("decoding stream message", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					if !topicMatches(topic, ev.Entity) {
						continue
					}
					select {
					case ch <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}
	}()
	return ch, cancel, nil
}

// Close releases the client connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
