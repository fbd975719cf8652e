// client 命令行演示客户端：完成挑战认证、发送一个包或命令，然后按节奏心跳。
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/pulsebus/internal/auth"
	"github.com/hongjun500/pulsebus/internal/codec"
	"github.com/hongjun500/pulsebus/internal/transport"
)

type client struct {
	conn   net.Conn
	codec  codec.MessageCodec
	framer *transport.FrameCodec
	frames chan map[string]any
}

func (c *client) send(v any) error {
	var buf bytes.Buffer
	if err := c.codec.Encode(&buf, v); err != nil {
		return err
	}
	return c.framer.WriteFrame(c.conn, buf.Bytes())
}

func (c *client) readLoop() {
	defer close(c.frames)
	for {
		raw, err := c.framer.ReadFrame(c.conn)
		if err != nil {
			return
		}
		f, err := c.codec.Decode(bytes.NewReader(raw), 1<<20)
		if err != nil {
			fmt.Println("decode failed:", err)
			continue
		}
		var m map[string]any
		if err := f.Decode(&m); err != nil {
			continue
		}
		c.frames <- m
	}
}

// await 等待指定类型之一的帧，其余帧直接打印
func (c *client) await(timeout time.Duration, types ...string) (map[string]any, error) {
	deadline := time.After(timeout)
	for {
		select {
		case m, ok := <-c.frames:
			if !ok {
				return nil, fmt.Errorf("connection closed")
			}
			for _, t := range types {
				if m["type"] == t {
					return m, nil
				}
			}
			show("<-", m)
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s", strings.Join(types, "|"))
		}
	}
}

func show(dir string, v any) {
	b, _ := json.Marshal(v)
	fmt.Println(dir, string(b))
}

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:8080", "server tcp address")
		codecS   = flag.String("codec", "json", "codec: json|protobuf|cbor")
		identity = flag.String("identity", "visitor", "identity")
		secret   = flag.String("secret", "", "identity secret; empty for an unsigned guest")
		level    = flag.String("level", "guest", "auth level: guest|local|astral|divine")
		purpose  = flag.String("purpose", "communication", "connection purpose")
		to       = flag.String("to", "system", "packet destination")
		text     = flag.String("text", "hello", "packet payload")
		cmd      = flag.String("cmd", "", "command to run after authentication, e.g. \"status\"")
		beats    = flag.Int("beats", 3, "number of heartbeats before exiting")
	)
	flag.Parse()

	mc, err := codec.New(*codecS)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()
	c := &client{conn: conn, codec: mc, framer: transport.NewFrameCodec(1 << 20), frames: make(chan map[string]any, 16)}
	go c.readLoop()

	if err := session(c, *identity, *secret, *level, *purpose, *to, *text, *cmd, *beats); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func session(c *client, identity, secret, level, purpose, to, text, cmd string, beats int) error {
	ch, err := c.await(5*time.Second, "auth_challenge")
	if err != nil {
		return err
	}
	show("<-", ch)
	nonce, _ := ch["nonce"].(string)

	cred := auth.Credential{Identity: identity, AuthLevel: level, Purpose: purpose}
	if secret != "" {
		cred = auth.SignCredential(cred, secret, nonce)
	}
	resp := map[string]any{
		"type":      "auth_response",
		"identity":  cred.Identity,
		"authLevel": cred.AuthLevel,
		"purpose":   cred.Purpose,
	}
	if cred.Signature != "" {
		resp["signature"] = cred.Signature
	}
	show("->", resp)
	if err := c.send(resp); err != nil {
		return err
	}

	res, err := c.await(5*time.Second, "auth_success", "auth_failure")
	show("<-", res)
	if err != nil {
		return err
	}
	if res["type"] == "auth_failure" {
		return fmt.Errorf("authentication refused: %v", res["code"])
	}
	token, _ := res["token"].(map[string]any)
	pulse, _ := token["pulseId"].(string)
	interval := 10 * time.Second
	if rules, ok := res["rules"].(map[string]any); ok {
		if s, ok := rules["heartbeatIntervalSeconds"].(float64); ok && s > 0 {
			interval = time.Duration(s) * time.Second
		}
	}

	if to != "" {
		p := map[string]any{
			"type":   "packet",
			"packet": map[string]any{"id": uuid.NewString(), "to": to, "kind": "event", "payload": text},
		}
		show("->", p)
		if err := c.send(p); err != nil {
			return err
		}
	}
	if cmd != "" {
		fields := strings.Fields(cmd)
		m := map[string]any{"type": "command", "name": fields[0], "args": fields[1:]}
		show("->", m)
		if err := c.send(m); err != nil {
			return err
		}
	}

	for i := 0; i < beats; i++ {
		// 等待期间打印服务端推送的其它帧
		if m, err := c.await(interval, "error"); err == nil {
			show("<-", m)
		}
		hb := map[string]any{"type": "heartbeat", "pulseId": pulse}
		show("->", hb)
		if err := c.send(hb); err != nil {
			return err
		}
		ack, err := c.await(5*time.Second, "heartbeat_ack", "error")
		show("<-", ack)
		if err != nil {
			return err
		}
		if ack["type"] == "error" {
			return fmt.Errorf("heartbeat rejected: %v", ack["code"])
		}
		next, _ := ack["newToken"].(map[string]any)
		pulse, _ = next["pulseId"].(string)
	}
	return nil
}
