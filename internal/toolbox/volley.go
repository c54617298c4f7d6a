package toolbox

import (
	"fmt"
	"log/slog"

	"github.com/jayclf/Volley/internal/cache"
	"github.com/jayclf/Volley/internal/queue"
	"github.com/jayclf/Volley/internal/transport"
)

const defaultUserAgent = "volley/0"

// NewQueue assembles a started request queue over a disk cache at cacheDir
// and a stock HTTP transport. maxDiskBytes <= 0 selects the default cap.
func NewQueue(cacheDir string, maxDiskBytes int64, logger *slog.Logger) (*queue.RequestQueue, error) {
	tr, err := transport.NewHTTPTransport(transport.Options{UserAgent: defaultUserAgent})
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	q := queue.New(queue.Options{
		Cache:     cache.NewDiskCache(cacheDir, maxDiskBytes, logger),
		Transport: tr,
		Logger:    logger,
	})
	q.Start()
	return q, nil
}
