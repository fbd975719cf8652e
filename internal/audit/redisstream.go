package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream 把审计事件追加到 redis stream，消费方通过消费组读取
type RedisStream struct {
	cli    *redis.Client
	stream string
	group  string
}

func NewRedisStream(addr string, db int, stream, group string) *RedisStream {
	cli := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &RedisStream{cli: cli, stream: stream, group: group}
}

// EnsureGroup 创建 stream 与消费组；已存在时忽略
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.cli.XGroupCreateMkStream(ctx, s.stream, s.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("audit: create group %s: %w", s.group, err)
	}
	return nil
}

func (s *RedisStream) Record(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	return s.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"kind": string(e.Kind), "data": payload},
	}).Err()
}

// Consume 阻塞读取并回调 handler，ctx 取消时返回
func (s *RedisStream) Consume(ctx context.Context, consumer string, handler func(context.Context, Event) error) error {
	for {
		res, err := s.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: consumer,
			Streams:  []string{s.stream, ">"},
			Count:    100,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// 瞬时错误，稍后重试
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, str := range res {
			for _, xmsg := range str.Messages {
				raw, _ := xmsg.Values["data"].(string)
				var e Event
				if err := json.Unmarshal([]byte(raw), &e); err == nil {
					_ = handler(ctx, e)
				}
				_ = s.cli.XAck(ctx, s.stream, s.group, xmsg.ID).Err()
			}
		}
	}
}

func (s *RedisStream) Close() error { return s.cli.Close() }
