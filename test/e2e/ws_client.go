package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSEvent is one received event stream envelope.
type WSEvent struct {
	CampaignID string         `json:"campaign_id"`
	Event      map[string]any `json:"event"`
	Raw        json.RawMessage
}

// EventType reads the envelope's event_type field.
func (e WSEvent) EventType() string {
	s, _ := e.Event["event_type"].(string)
	return s
}

// WSClient connects to the orchestrator event stream and collects every
// envelope in arrival order.
type WSClient struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	events []WSEvent
	closed bool
	cancel context.CancelFunc
}

// WSConnect opens the event stream with the API key and starts a
// background collector.
func WSConnect(ctx context.Context, wsURL, apiKey string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{conn: conn, cancel: cancel}
	go c.readLoop(clientCtx)
	return c, nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			return
		}

		var evt WSEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		evt.Raw = data

		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}

// Events returns a copy of everything received so far.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WSEvent(nil), c.events...)
}

// EventTypes returns the event_type of every envelope for the campaign,
// in arrival order. An empty campaignID matches all envelopes.
func (c *WSClient) EventTypes(campaignID string) []string {
	var types []string
	for _, evt := range c.Events() {
		if campaignID != "" && evt.CampaignID != campaignID {
			continue
		}
		types = append(types, evt.EventType())
	}
	return types
}

// WaitFor polls until an envelope matching the predicate arrives, or
// fails after timeout.
func (c *WSClient) WaitFor(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d)", len(c.Events()))
		case <-tick.C:
			for _, evt := range c.Events() {
				if predicate(evt) {
					e := evt
					return &e, nil
				}
			}
		}
	}
}

// WaitForEventType waits for the first envelope of the given type for
// the campaign.
func (c *WSClient) WaitForEventType(campaignID, eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitFor(func(e WSEvent) bool {
		return e.CampaignID == campaignID && e.EventType() == eventType
	}, timeout)
}

// Closed reports whether the server has closed the stream.
func (c *WSClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
