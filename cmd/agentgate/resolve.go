package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/escalation"
	"github.com/BaSui01/agentgate/internal/tlsutil"
)

// runResolve 人工覆盖：绕过 HTTP 直接经 Processor.Resolve 写入终态。
// 启用 Redis 时结果同样会推送给等待中的智能体会话。
func runResolve(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	flags := registerDBFlags(fs)
	id := fs.String("id", "", "Approval request ID")
	outcomeRaw := fs.String("outcome", "", "approve | reject | cancel | timeout")
	by := fs.String("by", os.Getenv("USER"), "Operator recorded as decided_by")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *id == "" {
		return errors.New("--id is required")
	}
	outcome, err := escalation.ParseOutcome(*outcomeRaw)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, pool, err := flags.open(ctx, zap.NewNop())
	if err != nil {
		return err
	}
	defer pool.Close()

	store := escalation.NewGormStore(pool.DB(), nil)

	var opts []escalation.ProcessorOption
	if cfg.Redis.Enabled {
		redisOpts := &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		if cfg.Redis.TLS {
			redisOpts.TLSConfig = tlsutil.RedisConfig(cfg.Redis.Addr)
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()
		opts = append(opts, escalation.WithSessionNotifiers(
			escalation.NewRedisSessionPublisher(client, cfg.Redis.ChannelPrefix, nil)))
	}

	processor := escalation.NewProcessor(store, nil, escalation.ProcessorConfig{}, nil, opts...)
	defer processor.Close(context.Background())

	result, err := processor.Resolve(ctx, *id, outcome, escalation.ManualOverride(*by))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", *id, err)
	}
	if result == escalation.ResolveNotFound {
		return fmt.Errorf("approval request %s not found", *id)
	}

	req, err := store.Get(ctx, *id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Result: %s\n", result)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(req)
}
