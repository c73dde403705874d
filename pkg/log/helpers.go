package log

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper extends the Kratos log.Helper with request-scoped helpers
// used by the HTTP middleware.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates an enhanced log helper.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

// Request records one completed HTTP request.
func (h *LogHelper) Request(method, path string, status int, durationMs int64, kvs ...interface{}) {
	allKvs := append([]interface{}{
		"msg", fmt.Sprintf("%s %s - %d (%dms)", method, path, status, durationMs),
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", durationMs,
	}, kvs...)
	h.Infow(allKvs...)
}

// RateLimit records an admission rejection. Rejections are expected
// traffic shaping, not application errors, so they log at warn.
func (h *LogHelper) RateLimit(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	h.Warnw(allKvs...)
}

// GenerateRequestID returns a short random id for request correlation.
func GenerateRequestID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}
