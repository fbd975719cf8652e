// peek 查看审计事件：从 sqlite 读取历史，或以消费组方式跟随 redis stream。
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/hongjun500/pulsebus/internal/audit"
)

func main() {
	var (
		sqlitePath = flag.String("sqlite", "", "audit sqlite database to read")
		identity   = flag.String("identity", "", "only events of this identity (sqlite)")
		limit      = flag.Int("limit", 50, "number of recent events (sqlite)")
		kind       = flag.String("count", "", "print the number of events of this kind (sqlite)")
		redisAddr  = flag.String("redis", "", "redis address to follow the audit stream")
		redisDB    = flag.Int("db", 0, "redis db")
		stream     = flag.String("stream", "pulsebus:audit", "redis stream name")
		group      = flag.String("group", "peek", "redis consumer group")
	)
	flag.Parse()

	switch {
	case *sqlitePath != "":
		if err := fromSQLite(*sqlitePath, *identity, *kind, *limit); err != nil {
			fmt.Fprintln(os.Stderr, "peek:", err)
			os.Exit(1)
		}
	case *redisAddr != "":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := follow(ctx, *redisAddr, *redisDB, *stream, *group); err != nil && ctx.Err() == nil {
			fmt.Fprintln(os.Stderr, "peek:", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func fromSQLite(path, identity, kind string, limit int) error {
	store, err := audit.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if kind != "" {
		n, err := store.Count(ctx, audit.Kind(kind))
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d\n", kind, n)
		return nil
	}
	var events []audit.Event
	if identity != "" {
		events, err = store.ByIdentity(ctx, identity)
	} else {
		events, err = store.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}
	for _, e := range events {
		printEvent(e)
	}
	return nil
}

func follow(ctx context.Context, addr string, db int, stream, group string) error {
	rs := audit.NewRedisStream(addr, db, stream, group)
	defer rs.Close()
	if err := rs.EnsureGroup(ctx); err != nil {
		return err
	}
	consumer := "peek-" + uuid.NewString()[:8]
	fmt.Fprintf(os.Stderr, "following %s as %s/%s\n", stream, group, consumer)
	return rs.Consume(ctx, consumer, func(_ context.Context, e audit.Event) error {
		printEvent(e)
		return nil
	})
}

func printEvent(e audit.Event) {
	detail, _ := json.Marshal(e.Detail)
	fmt.Printf("%s %-22s node=%s identity=%s session=%s %s\n",
		e.At.Format("2006-01-02T15:04:05.000"), e.Kind, e.NodeID, e.Identity, e.SessionID, detail)
}
