package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// RedisStore speaks RESP directly over a TCP connection, one dial per
// operation. It only needs the handful of commands the pipeline uses, so it
// carries no client dependency.
type RedisStore struct {
	cfg RedisConfig
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &RedisStore{cfg: cfg}
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := respWrite(rw, "SETEX", key, strconv.Itoa(ttlSeconds(ttl)), value); err != nil {
		return err
	}
	_, err = respRead(rw)
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()
	if err := respWrite(rw, "GET", key); err != nil {
		return "", false, err
	}
	resp, err := respRead(rw)
	if err != nil {
		return "", false, err
	}
	if resp == nil {
		return "", false, nil
	}
	v, ok := resp.(string)
	if !ok {
		return "", false, errors.New("unexpected redis response type for GET")
	}
	return v, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := respWrite(rw, "DEL", key); err != nil {
		return err
	}
	_, err = respRead(rw)
	return err
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	if err := respWrite(rw, "SET", key, value, "NX", "EX", strconv.Itoa(ttlSeconds(ttl))); err != nil {
		return false, err
	}
	resp, err := respRead(rw)
	if err != nil {
		return false, err
	}
	// SET ... NX replies +OK on success and a nil bulk string when the key
	// already exists.
	return resp != nil, nil
}

func (s *RedisStore) PushQueue(ctx context.Context, queue, id string) error {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := respWrite(rw, "RPUSH", queue, id); err != nil {
		return err
	}
	_, err = respRead(rw)
	return err
}

func (s *RedisStore) BlockingPopQueue(ctx context.Context, queue string, timeout time.Duration) (string, bool, error) {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()
	// The read deadline must outlast the server-side block.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(timeout + s.cfg.Timeout))
	}
	if err := respWrite(rw, "BLPOP", queue, strconv.Itoa(ttlSeconds(timeout))); err != nil {
		return "", false, err
	}
	resp, err := respRead(rw)
	if err != nil {
		return "", false, err
	}
	if resp == nil {
		return "", false, nil
	}
	pair, err := respStrings(resp)
	if err != nil {
		return "", false, err
	}
	if len(pair) != 2 {
		return "", false, fmt.Errorf("unexpected BLPOP reply of %d elements", len(pair))
	}
	return pair[1], true, nil
}

func (s *RedisStore) QueueLength(ctx context.Context, queue string) (int, error) {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := respWrite(rw, "LLEN", queue); err != nil {
		return 0, err
	}
	resp, err := respRead(rw)
	if err != nil {
		return 0, err
	}
	return respInt(resp)
}

func (s *RedisStore) QueueSnapshot(ctx context.Context, queue string) ([]string, error) {
	conn, rw, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := respWrite(rw, "LRANGE", queue, "0", "-1"); err != nil {
		return nil, err
	}
	resp, err := respRead(rw)
	if err != nil {
		return nil, err
	}
	return respStrings(resp)
}

func (s *RedisStore) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if s.cfg.Password != "" {
		if err := respWrite(rw, "AUTH", s.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := respRead(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if s.cfg.DB > 0 {
		if err := respWrite(rw, "SELECT", strconv.Itoa(s.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := respRead(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func respWrite(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func respRead(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := respRead(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

func respStrings(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]string)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	return arr, nil
}

func respInt(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected redis integer response type")
	}
	return strconv.Atoi(s)
}
