package queue

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"
)

const defaultMaxLineBytes = 1 << 20

type stdioConsumer struct {
	msgs chan Message
	errs chan error

	cancel context.CancelFunc
	once   sync.Once
}

func newStdioConsumer(parent context.Context, cfg ConsumerConfig) *stdioConsumer {
	r := cfg.Reader
	if r == nil {
		r = os.Stdin
	}
	limit := cfg.MaxLineBytes
	if limit <= 0 {
		limit = defaultMaxLineBytes
	}

	ctx, cancel := context.WithCancel(parent)
	c := &stdioConsumer{
		msgs:   make(chan Message, 64),
		errs:   make(chan error, 8),
		cancel: cancel,
	}
	go c.scan(ctx, r, limit)
	return c
}

func (c *stdioConsumer) scan(ctx context.Context, r io.Reader, limit int) {
	defer close(c.msgs)
	defer close(c.errs)

	sc := bufio.NewScanner(r)
	initial := 4096
	if limit < initial {
		initial = limit
	}
	sc.Buffer(make([]byte, 0, initial), limit)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		m := Message{
			Value:     append([]byte(nil), sc.Bytes()...),
			Timestamp: time.Now().UTC(),
		}
		select {
		case c.msgs <- m:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case c.errs <- err:
		case <-ctx.Done():
		}
	}
}

func (c *stdioConsumer) Messages() <-chan Message { return c.msgs }
func (c *stdioConsumer) Errors() <-chan error     { return c.errs }

func (c *stdioConsumer) Close() error {
	c.once.Do(c.cancel)
	return nil
}

// stdioProducer writes one payload per line. Topic and key are dropped.
type stdioProducer struct {
	mu sync.Mutex
	w  io.Writer
}

func newStdioProducer(cfg ProducerConfig) *stdioProducer {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	return &stdioProducer{w: w}
}

func (p *stdioProducer) Publish(_ context.Context, _ string, _ []byte, payload []byte) error {
	line := make([]byte, 0, len(payload)+1)
	line = append(append(line, payload...), '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.w.Write(line)
	return err
}

func (p *stdioProducer) Close() error { return nil }
