package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	streamInitialScanBuffer = 128 * 1024
	streamMaxScanBuffer     = 16 * 1024 * 1024
)

// StreamEvents opens the push stream for a job starting at fromSeq and sends
// each decoded event on sink until the context is canceled or the server
// closes the connection. The sink is always closed on return.
//
// Wire format is SSE: "field: value" lines, a blank line dispatches the
// buffered event, ":"-prefixed lines are keepalives. Events whose data
// payload fails to parse are dropped, not surfaced — a single bad unit must
// not kill the stream.
func (c *Client) StreamEvents(ctx context.Context, job Job, fromSeq int64, sink chan<- Event) error {
	defer close(sink)

	if fromSeq < 0 {
		fromSeq = 0
	}
	query := url.Values{}
	query.Set("since_seq", formatSeq(fromSeq))
	streamURL := fmt.Sprintf("%s%s?%s", c.baseURL, streamPathFor(job), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// No client timeout: the stream is long-lived and torn down via ctx.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		blob, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(blob))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, streamInitialScanBuffer), streamMaxScanBuffer)

	currentType := ""
	currentID := ""
	dataLines := make([]string, 0, 4)
	dispatch := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		raw := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]

		var payload map[string]any
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			c.logger.Debug("dropping malformed stream event",
				zap.String("job_id", job.ID), zap.Error(err))
			return nil
		}
		event := DecodeEvent(payload, 0)
		if event.Type == "event" && currentType != "" {
			event.Type = currentType
		}
		if !hasSeqField(payload) {
			id, err := strconv.ParseInt(strings.TrimSpace(currentID), 10, 64)
			if err != nil {
				// Without a sequence number every such unit would collapse
				// onto seq 0 in the dedup store; drop it instead.
				c.logger.Debug("dropping stream event without sequence",
					zap.String("job_id", job.ID), zap.String("type", event.Type))
				return nil
			}
			event.Seq = id
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sink <- event:
			return nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := dispatch(); err != nil {
				return err
			}
			currentType = ""
			currentID = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			currentType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "id:") {
			currentID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}
	if err := dispatch(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("stream event exceeded max size (%d bytes)", streamMaxScanBuffer)
		}
		return err
	}
	return nil
}

func hasSeqField(payload map[string]any) bool {
	for _, key := range []string{"seq", "sequence", "id"} {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}
