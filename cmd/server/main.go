package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hongjun500/pulsebus/internal/audit"
	"github.com/hongjun500/pulsebus/internal/bus"
	"github.com/hongjun500/pulsebus/internal/codec"
	"github.com/hongjun500/pulsebus/internal/command"
	"github.com/hongjun500/pulsebus/internal/config"
	"github.com/hongjun500/pulsebus/internal/gateway"
	"github.com/hongjun500/pulsebus/internal/observe"
	"github.com/hongjun500/pulsebus/internal/subscriber"
	"github.com/hongjun500/pulsebus/internal/transport"
	"github.com/hongjun500/pulsebus/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.L().Fatal("config_load_failed", zap.Error(err))
	}
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.L().Error("server_exit", zap.Error(err))
		os.Exit(1)
	}
	logger.L().Info("server_stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.L()

	sink, closeAudit, err := buildAudit(cfg.Audit, log)
	if err != nil {
		return err
	}
	defer closeAudit()
	recorder := audit.NewAsync(sink, cfg.Audit.Buffer, log.Named("audit"))

	b := bus.New(
		bus.WithNodeID(cfg.NodeID),
		bus.WithQueueSize(cfg.Bus.QueueSize),
		bus.WithEnqueueTimeout(cfg.Bus.EnqueueTimeout.Duration),
		bus.WithMaxBuffered(cfg.Bus.MaxBuffered),
		bus.WithMaxStreams(cfg.Bus.MaxStreams),
		bus.WithStreamTTL(cfg.Bus.StreamTTL.Duration),
		bus.WithLogger(log),
		bus.WithRecorder(recorder),
	)
	subscriber.RegisterAll(b)

	policy, err := cfg.Gateway.Policy()
	if err != nil {
		return err
	}
	dir, err := cfg.Gateway.Directory()
	if err != nil {
		return err
	}
	commands := command.NewRegistry()
	if err := command.RegisterBuiltins(commands); err != nil {
		return err
	}
	gw := gateway.New(b, gateway.Options{
		SigningKey:        cfg.Gateway.SigningKey,
		CredentialTimeout: cfg.Gateway.CredentialTimeout.Duration,
		MaxSkew:           cfg.Gateway.MaxClockSkew.Duration,
		LivenessWindow:    cfg.Gateway.LivenessWindow.Duration,
		SweepInterval:     cfg.Gateway.SweepInterval.Duration,
		ErrorTolerance:    cfg.Gateway.ErrorTolerance,
		RatePerSecond:     cfg.Gateway.RatePerSecond,
		RateBurst:         cfg.Gateway.RateBurst,
		Policy:            policy,
		Directory:         dir,
		Purposes:          cfg.Gateway.AllowedPurposes(),
		Commands:          commands,
		Recorder:          recorder,
		Logger:            log,
	})
	if cfg.Gateway.SigningKey == "" {
		log.Warn("gateway_signing_key_generated", zap.String("hint", "set gateway.signing_key to keep tokens valid across restarts"))
	}

	mc, err := codec.New(cfg.Server.Codec)
	if err != nil {
		return err
	}
	topt := transport.Options{
		Codec:        mc,
		OutBuffer:    cfg.Server.OutBuffer,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		MaxFrameSize: cfg.Server.MaxFrameSize,
	}

	log.Info("server_start",
		zap.String("node", b.NodeID()),
		zap.String("tcp", cfg.Server.TCPAddr),
		zap.String("ws", cfg.Server.WSAddr+cfg.Server.WSPath),
		zap.String("http", cfg.Server.HTTPAddr),
		zap.String("codec", mc.Name()),
		zap.Int("identities", dir.Len()),
	)

	// 审计管道单独用 context.Background 驱动，总线排空之后再停止
	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		_ = recorder.Run(auditCtx)
	}()
	defer func() {
		stopAudit()
		<-auditDone
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx, gw) })
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error {
		return (&transport.TCPServer{}).Start(gctx, cfg.Server.TCPAddr, gw, topt)
	})
	g.Go(func() error {
		return (&transport.WebSocketServer{Path: cfg.Server.WSPath}).Start(gctx, cfg.Server.WSAddr, gw, topt)
	})
	g.Go(func() error {
		stats := func() any { return map[string]any{"bus": b.Status(), "gateway": gw.Stats()} }
		return observe.ServeHTTP(gctx, cfg.Server.HTTPAddr, observe.Handler(stats, nil))
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildAudit 组装审计落地：日志总是开启，sqlite / redis / nats 按配置启用
func buildAudit(cfg config.AuditConfig, log *zap.Logger) (audit.Recorder, func(), error) {
	sinks := audit.Multi{audit.LogRecorder{Log: log.Named("audit")}}
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("audit_close_error", zap.Error(err))
			}
		}
	}

	if cfg.SQLitePath != "" {
		store, err := audit.OpenStore(cfg.SQLitePath)
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, store)
		closers = append(closers, store.Close)
		log.Info("audit_sqlite_enabled", zap.String("path", cfg.SQLitePath))
	}
	if cfg.RedisAddr != "" {
		rs := audit.NewRedisStream(cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream, "")
		sinks = append(sinks, rs)
		closers = append(closers, rs.Close)
		log.Info("audit_redis_enabled", zap.String("addr", cfg.RedisAddr), zap.String("stream", cfg.RedisStream))
	}
	if cfg.NATSURL != "" {
		np, err := audit.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		sinks = append(sinks, np)
		closers = append(closers, np.Close)
		log.Info("audit_nats_enabled", zap.String("url", cfg.NATSURL), zap.String("subject", cfg.NATSSubject))
	}
	return sinks, closeAll, nil
}
