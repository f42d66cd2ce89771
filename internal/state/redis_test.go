package state

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeRedis answers each inbound connection with scripted RESP replies keyed
// by command name. Just enough server to exercise the client's framing.
type fakeRedis struct {
	ln      net.Listener
	replies map[string]string
	seen    chan []string
}

func startFakeRedis(t *testing.T, replies map[string]string) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeRedis{ln: ln, replies: replies, seen: make(chan []string, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		cmd, err := readCommand(r)
		if err != nil {
			return
		}
		f.seen <- cmd
		reply, ok := f.replies[strings.ToUpper(cmd[0])]
		if !ok {
			reply = "-ERR unknown command\r\n"
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "*") {
		return nil, fmt.Errorf("unexpected header %q", header)
	}
	n, err := strconv.Atoi(header[1:])
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(sizeLine, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		parts = append(parts, string(buf[:size]))
	}
	return parts, nil
}

func TestRedisStoreSetIfAbsent(t *testing.T) {
	ctx := context.Background()

	held := startFakeRedis(t, map[string]string{"SET": "$-1\r\n"})
	s := NewRedisStore(RedisConfig{Addr: held.ln.Addr().String(), Timeout: time.Second})
	ok, err := s.SetIfAbsent(ctx, "proof_processing_lock", "o:1", 3*time.Hour)
	if err != nil {
		t.Fatalf("setifabsent: %v", err)
	}
	if ok {
		t.Fatalf("expected contention when the server reports the key exists")
	}
	cmd := <-held.seen
	want := []string{"SET", "proof_processing_lock", "o:1", "NX", "EX", "10800"}
	if strings.Join(cmd, " ") != strings.Join(want, " ") {
		t.Fatalf("sent %v, want %v", cmd, want)
	}

	free := startFakeRedis(t, map[string]string{"SET": "+OK\r\n"})
	s = NewRedisStore(RedisConfig{Addr: free.ln.Addr().String(), Timeout: time.Second})
	ok, err = s.SetIfAbsent(ctx, "proof_processing_lock", "o:1", 3*time.Hour)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed: ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreGetMissAndHit(t *testing.T) {
	ctx := context.Background()

	miss := startFakeRedis(t, map[string]string{"GET": "$-1\r\n"})
	s := NewRedisStore(RedisConfig{Addr: miss.ln.Addr().String(), Timeout: time.Second})
	_, ok, err := s.Get(ctx, "job:missing")
	if err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	hit := startFakeRedis(t, map[string]string{"GET": "$5\r\nhello\r\n"})
	s = NewRedisStore(RedisConfig{Addr: hit.ln.Addr().String(), Timeout: time.Second})
	v, ok, err := s.Get(ctx, "job:x")
	if err != nil || !ok || v != "hello" {
		t.Fatalf("expected hit, v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestRedisStoreBlockingPop(t *testing.T) {
	ctx := context.Background()

	popped := startFakeRedis(t, map[string]string{
		"BLPOP": "*2\r\n$11\r\nproof_queue\r\n$8\r\nproof_42\r\n",
	})
	s := NewRedisStore(RedisConfig{Addr: popped.ln.Addr().String(), Timeout: time.Second})
	id, ok, err := s.BlockingPopQueue(ctx, "proof_queue", 10*time.Second)
	if err != nil || !ok || id != "proof_42" {
		t.Fatalf("pop: id=%q ok=%v err=%v", id, ok, err)
	}

	empty := startFakeRedis(t, map[string]string{"BLPOP": "*-1\r\n"})
	s = NewRedisStore(RedisConfig{Addr: empty.ln.Addr().String(), Timeout: time.Second})
	_, ok, err = s.BlockingPopQueue(ctx, "proof_queue", time.Second)
	if err != nil || ok {
		t.Fatalf("expected empty pop, ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreQueueOps(t *testing.T) {
	ctx := context.Background()

	f := startFakeRedis(t, map[string]string{
		"RPUSH":  ":1\r\n",
		"LLEN":   ":3\r\n",
		"LRANGE": "*2\r\n$3\r\nid1\r\n$3\r\nid2\r\n",
		"SETEX":  "+OK\r\n",
		"DEL":    ":1\r\n",
	})
	s := NewRedisStore(RedisConfig{Addr: f.ln.Addr().String(), Timeout: time.Second})

	if err := s.PushQueue(ctx, "proof_queue", "id1"); err != nil {
		t.Fatalf("push: %v", err)
	}
	n, err := s.QueueLength(ctx, "proof_queue")
	if err != nil || n != 3 {
		t.Fatalf("llen: n=%d err=%v", n, err)
	}
	snap, err := s.QueueSnapshot(ctx, "proof_queue")
	if err != nil || len(snap) != 2 || snap[0] != "id1" {
		t.Fatalf("lrange: %v err=%v", snap, err)
	}
	if err := s.SetWithTTL(ctx, "job:id1", "{}", 24*time.Hour); err != nil {
		t.Fatalf("setex: %v", err)
	}
	if err := s.Delete(ctx, "proof_result:id1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	<-f.seen
	<-f.seen
	<-f.seen
	setex := <-f.seen
	if setex[0] != "SETEX" || setex[2] != "86400" {
		t.Fatalf("unexpected SETEX args %v", setex)
	}
}

func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("CS_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set CS_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	ctx := context.Background()
	s := NewRedisStore(RedisConfig{Addr: addr, Timeout: 2 * time.Second})
	key := "cs:test:" + strconv.FormatInt(time.Now().UnixNano(), 10)

	ok, err := s.SetIfAbsent(ctx, key, "owner", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ok, err = s.SetIfAbsent(ctx, key, "other", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected contention: ok=%v err=%v", ok, err)
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}

	queue := key + ":q"
	if err := s.PushQueue(ctx, queue, "one"); err != nil {
		t.Fatalf("push: %v", err)
	}
	id, ok, err := s.BlockingPopQueue(ctx, queue, time.Second)
	if err != nil || !ok || id != "one" {
		t.Fatalf("pop: id=%q ok=%v err=%v", id, ok, err)
	}
}
