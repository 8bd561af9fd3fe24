package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sciops/campaignd/pkg/broker"
	"github.com/sciops/campaignd/pkg/version"
)

// capability is the random number generator service. Each inbound step
// runs one operation and replies to the requester's response topic with
// the updated state.
type capability struct {
	pub       broker.Publisher
	hierarchy string

	mu      sync.Mutex
	numbers []int
}

func newCapability(pub broker.Publisher, hierarchy string) *capability {
	return &capability{pub: pub, hierarchy: hierarchy}
}

// request is the step payload. An empty body runs the default operation
// with seed 0.
type request struct {
	Operation string `json:"operation,omitempty"`
	Seed      int64  `json:"seed,omitempty"`
}

type capabilityState struct {
	Numbers []int `json:"numbers"`
}

type response struct {
	State   capabilityState `json:"state"`
	Success bool            `json:"success"`
}

// HandleBrokerMessage runs one dispatched step. The reply goes to the
// requester named by the source header; messages without one cannot be
// answered and are dropped.
func (c *capability) HandleBrokerMessage(body []byte, contentType string, headers map[string]string) {
	source := headers["source"]
	if source == "" {
		slog.Warn("Dropping step without source header")
		return
	}
	campaignID := headers["campaignId"]
	nodeID := headers["nodeId"]

	var req request
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			slog.Warn("Ignoring malformed step payload, running default operation",
				"campaign_id", campaignID, "node_id", nodeID, "error", err)
			req = request{}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch req.Operation {
	case "", "generate_random_number":
		resp := c.generate(req.Seed)
		slog.Info("Generated random number",
			"campaign_id", campaignID, "node_id", nodeID, "seed", req.Seed,
			"count", len(resp.State.Numbers))
		c.reply(ctx, source, campaignID, nodeID, resp, "")
	case "reset":
		resp := c.reset()
		slog.Info("Reset state", "campaign_id", campaignID, "node_id", nodeID)
		c.reply(ctx, source, campaignID, nodeID, resp, "")
	default:
		slog.Warn("Unknown operation requested",
			"campaign_id", campaignID, "node_id", nodeID, "operation", req.Operation)
		c.reply(ctx, source, campaignID, nodeID, nil,
			fmt.Sprintf("unknown operation %q", req.Operation))
	}
}

func (c *capability) generate(seed int64) response {
	n := rand.New(rand.NewSource(seed)).Intn(100) + 1

	c.mu.Lock()
	defer c.mu.Unlock()
	c.numbers = append(c.numbers, n)
	return response{State: capabilityState{Numbers: append([]int(nil), c.numbers...)}, Success: true}
}

func (c *capability) reset() response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numbers = nil
	return response{State: capabilityState{Numbers: []int{}}, Success: true}
}

func (c *capability) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.numbers)
}

// reply publishes the step callback to the requester's response topic.
// A non-empty errMsg marks the step failed and carries the message in
// the payload field the orchestrator reads error text from.
func (c *capability) reply(ctx context.Context, source, campaignID, nodeID string, resp any, errMsg string) {
	headers := map[string]string{
		"source":      c.hierarchy,
		"sdk_version": version.SDKVersion,
		"created_at":  time.Now().UTC().Format(time.RFC3339),
		"has_error":   "false",
	}
	if campaignID != "" {
		headers["campaignId"] = campaignID
	}
	if nodeID != "" {
		headers["nodeId"] = nodeID
	}

	var body []byte
	if errMsg != "" {
		headers["has_error"] = "true"
		body, _ = json.Marshal(map[string]string{"payload": errMsg})
	} else {
		var err error
		body, err = json.Marshal(resp)
		if err != nil {
			slog.Error("Failed to encode response", "error", err)
			return
		}
	}

	topic := strings.ReplaceAll(source, ".", "/") + "/response"
	if err := c.pub.Publish(ctx, topic, body, "application/json", headers, false); err != nil {
		slog.Error("Failed to publish step callback",
			"topic", topic, "campaign_id", campaignID, "node_id", nodeID, "error", err)
	}
}
