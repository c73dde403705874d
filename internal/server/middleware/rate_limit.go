package middleware

import (
	"context"

	"MailGuard/internal/biz"
	"MailGuard/internal/model"
	pkglog "MailGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// RateLimit returns the admission middleware. Every request passes
// through the default API bucket partitioned by client IP; a denied
// request is rejected with 429 before the handler runs. Admin routes
// under /admin are exempt so operators keep access while the limiter
// is saturated.
func RateLimit(limiter *biz.RateLimiter, logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			reqCtx := model.RequestContext{}
			exempt := false

			if tr, ok := transport.FromServerContext(ctx); ok {
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					reqCtx.ClientIP = ExtractClientIP(httpReq)
					reqCtx.Method = httpReq.Method
					reqCtx.Path = httpReq.URL.Path
					reqCtx.UserID = httpReq.Header.Get("X-User-ID")
					if len(reqCtx.Path) >= 6 && reqCtx.Path[:6] == "/admin" {
						exempt = true
					}
				}
			}

			if !exempt {
				decision, err := limiter.Enforce(ctx, biz.RuleAPI, reqCtx)
				if err != nil {
					if !decision.Allowed {
						logger.RateLimit("request rejected by rate limiter",
							"ip", reqCtx.ClientIP,
							"path", reqCtx.Path,
							"retry_after_seconds", decision.RetryAfter.Seconds(),
						)
					}
					return nil, err
				}
			}

			return handler(ctx, req)
		}
	}
}
