package proxy

import (
	"context"
	"time"

	"github.com/gaspardpetit/mcpbridge/internal/logx"
	"github.com/gaspardpetit/mcpbridge/internal/reconnect"
)

var (
	probeTimeout    = 10 * time.Second
	monitorInterval = 20 * time.Second
)

// MonitorBridge probes the bridge health endpoint until ctx is done and logs
// readiness transitions. It never affects request handling.
func MonitorBridge(ctx context.Context, c *Client) {
	attempt := 0
	ready := false
	for {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		h, err := c.Health(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		var wait time.Duration
		if err != nil {
			if ready || attempt == 0 {
				logx.Log.Warn().Err(err).Str("url", c.BaseURL()).Msg("bridge unavailable; not_ready")
			}
			ready = false
			wait = reconnect.Delay(attempt)
			attempt++
		} else {
			if !ready {
				logx.Log.Info().Str("url", c.BaseURL()).Bool("mcp_connected", h.MCPConnected).Msg("bridge ready")
			}
			ready = true
			attempt = 0
			wait = monitorInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
