package cache

import (
	"net/http"
	"time"

	"github.com/pquerna/cachecontrol/cacheobject"

	"github.com/jayclf/Volley/pkg/types"
)

// ParseCacheHeaders derives a cache Entry from a network response, honoring
// Cache-Control (max-age, stale-while-revalidate, must-revalidate,
// no-cache, no-store) with an Expires/Date fallback. Returns nil when the
// response must not be cached.
func ParseCacheHeaders(resp *types.NetworkResponse) *Entry {
	now := time.Now().UnixMilli()

	serverDate := parseDateMillis(resp.Header("Date"))
	lastModified := parseDateMillis(resp.Header("Last-Modified"))
	etag := resp.Header("ETag")

	var softExpire, finalExpire int64

	if cc := resp.Header("Cache-Control"); cc != "" {
		directives, err := cacheobject.ParseResponseCacheControl(cc)
		if err != nil {
			return nil
		}
		if directives.NoCachePresent || directives.NoStore {
			return nil
		}

		var maxAge, staleWhileRevalidate int64
		if directives.MaxAge >= 0 {
			maxAge = int64(directives.MaxAge)
		}
		if directives.StaleWhileRevalidate >= 0 {
			staleWhileRevalidate = int64(directives.StaleWhileRevalidate)
		}

		softExpire = now + maxAge*1000
		if directives.MustRevalidate || directives.ProxyRevalidate {
			finalExpire = softExpire
		} else {
			finalExpire = softExpire + staleWhileRevalidate*1000
		}
	} else if serverDate > 0 {
		if expires := parseDateMillis(resp.Header("Expires")); expires > 0 && expires >= serverDate {
			softExpire = now + (expires - serverDate)
			finalExpire = softExpire
		}
	}

	headers := resp.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	return &Entry{
		Data:            resp.Data,
		ETag:            etag,
		ServerDate:      serverDate,
		LastModified:    lastModified,
		TTL:             finalExpire,
		SoftTTL:         softExpire,
		ResponseHeaders: headers,
	}
}

func parseDateMillis(value string) int64 {
	if value == "" {
		return 0
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
