package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSETransport reads batches from a text/event-stream endpoint.
type SSETransport struct {
	url    string
	client *http.Client
}

// NewSSETransport builds a transport. The client must not set a Timeout,
// which would cut the stream.
func NewSSETransport(url string, client *http.Client) *SSETransport {
	if client == nil {
		client = &http.Client{}
	}
	return &SSETransport{url: url, client: client}
}

// Open issues the streaming GET request.
func (t *SSETransport) Open(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sse connect: unexpected status %d", resp.StatusCode)
	}
	return &sseStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
}

// Next returns the data of the next event. Comments and the event, id and
// retry fields are ignored.
func (s *sseStream) Next(ctx context.Context) ([]byte, error) {
	var data bytes.Buffer
	hasData := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("sse read: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				return data.Bytes(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field != "data" {
			continue
		}
		if hasData {
			data.WriteByte('\n')
		}
		data.WriteString(value)
		hasData = true
	}
}

func (s *sseStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
