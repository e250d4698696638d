package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxLineSize bounds a single SSE line; snapshot events can be large.
const maxLineSize = 16 << 20

// SSESource reads a text/event-stream from the authority's sync endpoint.
type SSESource struct {
	url    string
	token  string
	client *http.Client
}

// NewSSESource returns a source for url. A non-empty token is sent as a
// bearer credential. client may be nil; it must not set a Timeout since the
// response body is read for the lifetime of the connection.
func NewSSESource(url, token string, client *http.Client) *SSESource {
	if client == nil {
		client = &http.Client{}
	}
	return &SSESource{url: url, token: token, client: client}
}

func (s *SSESource) String() string { return "sse " + s.url }

// Stream implements Source.
func (s *SSESource) Stream(ctx context.Context, lastEventID string, sink Sink) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("connect: unexpected status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("connect: unexpected content type %q", ct)
	}

	sink.Opened()
	err = readEvents(resp.Body, lastEventID, sink)
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// readEvents parses the event-stream wire format and dispatches each event on
// the blank line that terminates it. It returns nil on EOF.
func readEvents(r io.Reader, lastEventID string, sink Sink) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	var (
		name    string
		data    bytes.Buffer
		hasData bool
		id      = lastEventID
	)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			if hasData {
				ev, ok, err := decodeFrame(name, data.Bytes(), id)
				switch {
				case err != nil:
					sink.Discard(err)
				case ok:
					if !sink.Emit(ev) {
						return nil
					}
				}
			}
			name, hasData = "", false
			data.Reset()
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte{':'})
		value = bytes.TrimPrefix(value, []byte{' '})
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		case "id":
			if bytes.IndexByte(value, 0) < 0 {
				id = string(value)
			}
		}
	}
	return sc.Err()
}
