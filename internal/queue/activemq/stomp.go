// Package activemq provides an ActiveMQ queue implementation over the STOMP
// 1.2 wire protocol. No third-party STOMP client exists in this project's
// dependency set, so the frame protocol is implemented directly on top of
// net.Conn and bufio, the way the rest of this codebase talks to brokers
// that don't ship a convenient high-level Go client.
package activemq

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/flowcatalyst/router/internal/queue"
)

const (
	stompVersion  = "1.2"
	frameTerm     = '\x00'
	heartBeatSend = 10000
	heartBeatRecv = 10000
)

// frame is a single STOMP frame: a command, a header set and an optional
// body.
type frame struct {
	command string
	headers map[string]string
	body    []byte
}

func (f *frame) header(key string) string {
	return f.headers[key]
}

// encode serializes f in STOMP wire format.
func (f *frame) encode() []byte {
	var b strings.Builder
	b.WriteString(f.command)
	b.WriteByte('\n')
	for k, v := range f.headers {
		b.WriteString(escapeHeader(k))
		b.WriteByte(':')
		b.WriteString(escapeHeader(v))
		b.WriteByte('\n')
	}
	if len(f.body) > 0 {
		b.WriteString("content-length:")
		b.WriteString(strconv.Itoa(len(f.body)))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	out := []byte(b.String())
	out = append(out, f.body...)
	out = append(out, frameTerm)
	return out
}

func escapeHeader(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, ":", "\\c")
	return s
}

func unescapeHeader(s string) string {
	s = strings.ReplaceAll(s, "\\n", "\n")
	s = strings.ReplaceAll(s, "\\c", ":")
	s = strings.ReplaceAll(s, "\\\\", "\\")
	return s
}

// readFrame blocks until a complete frame (or a heart-beat newline) arrives.
func readFrame(r *bufio.Reader) (*frame, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		command := strings.TrimRight(line, "\r\n")
		if command == "" {
			// Heart-beat: a lone newline. Keep reading for the real frame.
			continue
		}

		headers := make(map[string]string)
		for {
			hline, err := r.ReadString('\n')
			if err != nil {
				return nil, err
			}
			hline = strings.TrimRight(hline, "\r\n")
			if hline == "" {
				break
			}
			parts := strings.SplitN(hline, ":", 2)
			if len(parts) != 2 {
				continue
			}
			headers[unescapeHeader(parts[0])] = unescapeHeader(parts[1])
		}

		var body []byte
		if cl, ok := headers["content-length"]; ok {
			n, err := strconv.Atoi(cl)
			if err != nil {
				return nil, fmt.Errorf("activemq: bad content-length %q: %w", cl, err)
			}
			body = make([]byte, n)
			if _, err := readFull(r, body); err != nil {
				return nil, err
			}
			if _, err := r.ReadByte(); err != nil { // trailing NUL
				return nil, err
			}
		} else {
			b, err := r.ReadBytes(frameTerm)
			if err != nil {
				return nil, err
			}
			body = b[:len(b)-1]
		}

		return &frame{command: command, headers: headers, body: body}, nil
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Client is a STOMP connection to a single ActiveMQ broker, providing both
// a Publisher and a Consumer over the same underlying connection.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	config *queue.ActiveMQConfig

	writeMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[string]chan *frame // subscription id -> inbound MESSAGE frames

	closed atomic.Bool
	seq    atomic.Int64
}

// NewClient dials addr and completes the STOMP CONNECT handshake.
func NewClient(ctx context.Context, cfg *queue.ActiveMQConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("activemq: Addr is required")
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("activemq: dial %s: %w", cfg.Addr, err)
	}

	c := &Client{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		config:      cfg,
		subscribers: make(map[string]chan *frame),
	}

	host := cfg.VirtualHost
	if host == "" {
		host, _, _ = net.SplitHostPort(cfg.Addr)
	}

	connectFrame := &frame{
		command: "CONNECT",
		headers: map[string]string{
			"accept-version": stompVersion,
			"host":           host,
			"heart-beat":     fmt.Sprintf("%d,%d", heartBeatSend, heartBeatRecv),
		},
	}
	if cfg.Login != "" {
		connectFrame.headers["login"] = cfg.Login
		connectFrame.headers["passcode"] = cfg.Passcode
	}

	if err := c.send(connectFrame); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := readFrame(c.reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("activemq: reading CONNECTED: %w", err)
	}
	if resp.command != "CONNECTED" {
		conn.Close()
		return nil, fmt.Errorf("activemq: handshake failed, broker replied %s: %s", resp.command, resp.body)
	}

	go c.dispatchLoop()

	return c, nil
}

func (c *Client) send(f *frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(f.encode())
	return err
}

// dispatchLoop reads frames off the wire and routes MESSAGE frames to their
// subscription's channel. It runs for the lifetime of the connection.
func (c *Client) dispatchLoop() {
	for {
		f, err := readFrame(c.reader)
		if err != nil {
			if !c.closed.Load() {
				slog.Error("activemq: connection read failed", "error", err)
			}
			c.subMu.Lock()
			for _, ch := range c.subscribers {
				close(ch)
			}
			c.subscribers = map[string]chan *frame{}
			c.subMu.Unlock()
			return
		}

		switch f.command {
		case "MESSAGE":
			subID := f.header("subscription")
			c.subMu.Lock()
			ch, ok := c.subscribers[subID]
			c.subMu.Unlock()
			if ok {
				ch <- f
			}
		case "ERROR":
			slog.Error("activemq: broker sent ERROR frame", "message", f.header("message"), "body", string(f.body))
		case "RECEIPT":
			// Fire-and-forget publishes don't currently wait on receipts.
		}
	}
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.send(&frame{command: "DISCONNECT", headers: map[string]string{}})
		return c.conn.Close()
	}
	return nil
}

// Publisher returns a queue.Publisher that sends to ActiveMQ queues named
// by subject (ActiveMQ destination "/queue/<subject>").
func (c *Client) Publisher() queue.Publisher {
	return &publisher{client: c}
}

// NewConsumer subscribes to destination "/queue/<subject>" with client-ack
// semantics, so Ack/Nak map onto STOMP ACK/NACK frames.
func (c *Client) NewConsumer(subject string) (queue.Consumer, error) {
	subID := uuid.NewString()
	ch := make(chan *frame, 64)

	c.subMu.Lock()
	c.subscribers[subID] = ch
	c.subMu.Unlock()

	err := c.send(&frame{
		command: "SUBSCRIBE",
		headers: map[string]string{
			"id":          subID,
			"destination": "/queue/" + subject,
			"ack":         "client-individual",
		},
	})
	if err != nil {
		c.subMu.Lock()
		delete(c.subscribers, subID)
		c.subMu.Unlock()
		return nil, fmt.Errorf("activemq: subscribe: %w", err)
	}

	return &consumer{client: c, subject: subject, subID: subID, frames: ch}, nil
}

type publisher struct {
	client *Client
}

func (p *publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.publish(subject, data, "", "")
}

func (p *publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.publish(subject, data, messageGroup, "")
}

func (p *publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.publish(subject, data, "", deduplicationID)
}

func (p *publisher) publish(subject string, data []byte, messageGroup, deduplicationID string) error {
	headers := map[string]string{
		"destination":  "/queue/" + subject,
		"content-type": "application/octet-stream",
		"persistent":   "true",
	}
	if messageGroup != "" {
		// ActiveMQ's JMSXGroupID groups messages for exclusive, ordered
		// consumption by a single consumer at a time.
		headers["JMSXGroupID"] = messageGroup
	}
	if deduplicationID != "" {
		headers["_AMQ_DUPL_ID"] = deduplicationID
	}

	return p.client.send(&frame{command: "SEND", headers: headers, body: data})
}

func (p *publisher) Close() error { return nil }

type consumer struct {
	client  *Client
	subject string
	subID   string
	frames  chan *frame
}

func (c *consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	slog.Info("Starting ActiveMQ consumer", "subject", c.subject)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.frames:
			if !ok {
				return fmt.Errorf("activemq: subscription %s closed", c.subID)
			}
			msg := &message{
				client:       c.client,
				id:           f.header("message-id"),
				ackID:        f.header("ack"),
				subscription: c.subID,
				subject:      c.subject,
				messageGroup: f.header("JMSXGroupID"),
				body:         f.body,
			}
			if err := handler(msg); err != nil {
				slog.Error("activemq: handler error", "error", err, "subject", c.subject)
			}
		}
	}
}

func (c *consumer) Close() error {
	err := c.client.send(&frame{command: "UNSUBSCRIBE", headers: map[string]string{"id": c.subID}})
	c.client.subMu.Lock()
	delete(c.client.subscribers, c.subID)
	c.client.subMu.Unlock()
	return err
}

// message implements queue.Message over a STOMP MESSAGE frame.
type message struct {
	client       *Client
	id           string
	ackID        string
	subscription string
	subject      string
	messageGroup string
	body         []byte
}

func (m *message) ID() string                  { return m.id }
func (m *message) Data() []byte                { return m.body }
func (m *message) Subject() string             { return m.subject }
func (m *message) MessageGroup() string        { return m.messageGroup }
func (m *message) Metadata() map[string]string { return map[string]string{"ack": m.ackID} }

func (m *message) Ack() error {
	return m.client.send(&frame{command: "ACK", headers: map[string]string{"id": m.ackID, "subscription": m.subscription}})
}

func (m *message) Nak() error {
	return m.client.send(&frame{command: "NACK", headers: map[string]string{"id": m.ackID, "subscription": m.subscription}})
}

// NakWithDelay has no STOMP-level equivalent to SQS's per-message
// visibility delay; the NACK is sent immediately and redelivery timing is
// governed by the broker's redelivery policy.
func (m *message) NakWithDelay(delay time.Duration) error {
	return m.Nak()
}

// InProgress has no STOMP equivalent (no visibility-timeout concept); it is
// a no-op so callers written against the generic queue.Message interface
// don't need an ActiveMQ-specific branch.
func (m *message) InProgress() error {
	return nil
}

var (
	_ queue.Publisher = (*publisher)(nil)
	_ queue.Consumer  = (*consumer)(nil)
	_ queue.Message   = (*message)(nil)
)
