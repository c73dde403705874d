// Package middleware provides HTTP middleware for request logging and
// rate limit admission.
package middleware

import (
	"context"
	"strings"
	"time"

	pkglog "MailGuard/pkg/log"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// Logging returns a middleware that records one line per completed
// request: method, path, status and duration, tagged with a request id
// taken from X-Request-ID or generated.
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method    string
				path      string
				ip        string
				userAgent string
				requestID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					if httpReq.URL.RawQuery != "" {
						path = path + "?" + httpReq.URL.RawQuery
					}

					ip = ExtractClientIP(httpReq)
					userAgent = httpReq.Header.Get("User-Agent")

					requestID = httpReq.Header.Get("X-Request-ID")
					if requestID == "" {
						requestID = pkglog.GenerateRequestID()
					}
				}
			}

			reply, err := handler(ctx, req)

			duration := time.Since(startTime).Milliseconds()

			status := 200
			if err != nil {
				status = extractHTTPStatus(err)
			}

			logger.Request(method, path, status, duration,
				"request_id", requestID,
				"ip", ip,
				"user_agent", userAgent,
			)

			return reply, err
		}
	}
}

// ExtractClientIP resolves the client address behind proxies.
// Priority: first hop of X-Forwarded-For, then X-Real-IP, then
// RemoteAddr.
func ExtractClientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}

	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	// Strip the port from host:port.
	addr := req.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx > 0 && !strings.Contains(addr[idx:], "]") {
		return addr[:idx]
	}
	return addr
}

// extractHTTPStatus maps an error to its HTTP status code.
func extractHTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	return int(kratoserrors.FromError(err).Code)
}
