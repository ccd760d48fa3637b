package client

import (
	"context"
	"log/slog"

	"github.com/tfkr-ae/lensgate/domain"
)

// LoadUsage fetches the usage snapshot once when the signed-in view starts. Any failure is logged
// and yields nil so the analyze flow is never blocked on it.
func LoadUsage(ctx context.Context, c *Client, logger *slog.Logger) *domain.Usage {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	usage, err := c.Usage(ctx)
	if err != nil {
		logger.Warn("failed to fetch usage", "error", err)
		return nil
	}
	return usage
}
