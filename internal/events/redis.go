// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "playbook"
	defaultStreamLen   = 10000
)

// RedisSink publishes every event to the run and org pub/sub channels and
// appends it to a capped per-org stream for late subscribers.
type RedisSink struct {
	client    redis.UniversalClient
	prefix    string
	streamLen int64
}

type RedisOption func(*RedisSink)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisSink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithStreamLength caps each org stream (approximate trimming). Zero
// disables the stream.
func WithStreamLength(n int64) RedisOption {
	return func(s *RedisSink) { s.streamLen = n }
}

func NewRedisSink(client redis.UniversalClient, opts ...RedisOption) *RedisSink {
	s := &RedisSink{client: client, prefix: defaultRedisPrefix, streamLen: defaultStreamLen}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisSink) RunChannel(runID uuid.UUID) string {
	return fmt.Sprintf("%s:runs:%s", s.prefix, runID)
}

func (s *RedisSink) OrgChannel(orgID uuid.UUID) string {
	return fmt.Sprintf("%s:orgs:%s", s.prefix, orgID)
}

func (s *RedisSink) OrgStream(orgID uuid.UUID) string {
	return fmt.Sprintf("%s:stream:%s", s.prefix, orgID)
}

func (s *RedisSink) Publish(ctx context.Context, ev domain.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.RunChannel(ev.RunID), body)
	pipe.Publish(ctx, s.OrgChannel(ev.OrgID), body)
	if s.streamLen > 0 {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.OrgStream(ev.OrgID),
			MaxLen: s.streamLen,
			Approx: true,
			Values: map[string]any{
				"type":   string(ev.Type),
				"run_id": ev.RunID.String(),
				"event":  string(body),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
