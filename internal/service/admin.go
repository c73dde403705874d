// Package service exposes the admin HTTP surface over the resilience
// primitives.
package service

import (
	"time"

	"MailGuard/internal/biz"
	"MailGuard/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// AdminService handles the operational HTTP API: breaker inspection
// and reset, queue control and rate limit probing.
type AdminService struct {
	breakers *biz.CircuitBreakerManager
	limiter  *biz.RateLimiter
	queue    *biz.EmailQueue
	logger   *log.Helper
}

// NewAdminService creates the admin service.
func NewAdminService(breakers *biz.CircuitBreakerManager, limiter *biz.RateLimiter, queue *biz.EmailQueue, logger log.Logger) *AdminService {
	return &AdminService{
		breakers: breakers,
		limiter:  limiter,
		queue:    queue,
		logger:   log.NewHelper(logger),
	}
}

// RegisterRoutes binds the admin endpoints on the HTTP server.
func (s *AdminService) RegisterRoutes(srv *http.Server) {
	r := srv.Route("/")

	r.GET("/admin/health", s.health)
	r.GET("/admin/breakers", s.listBreakers)
	r.POST("/admin/breakers/{name}/reset", s.resetBreaker)

	r.GET("/admin/queue", s.queueStatus)
	r.GET("/admin/queue/jobs/{id}", s.jobStatus)
	r.POST("/admin/queue/jobs", s.enqueueJob)
	r.POST("/admin/queue/worker/start", s.startWorker)
	r.POST("/admin/queue/worker/stop", s.stopWorker)

	r.POST("/admin/ratelimit/check", s.checkRateLimit)
}

type healthReply struct {
	Status   string                  `json:"status"`
	Breakers model.HealthSummary     `json:"breakers"`
	Queue    *model.QueueStatus      `json:"queue,omitempty"`
	Services []model.BreakerSnapshot `json:"services"`
}

func (s *AdminService) health(ctx http.Context) error {
	summary := s.breakers.HealthSummary()

	reply := healthReply{
		Status:   summary.Overall,
		Breakers: summary,
		Services: s.breakers.Snapshots(),
	}
	if status, err := s.queue.Status(ctx); err == nil {
		reply.Queue = &status
	}
	return ctx.Result(200, reply)
}

type breakersReply struct {
	Summary  model.HealthSummary     `json:"summary"`
	Breakers []model.BreakerSnapshot `json:"breakers"`
}

func (s *AdminService) listBreakers(ctx http.Context) error {
	return ctx.Result(200, breakersReply{
		Summary:  s.breakers.HealthSummary(),
		Breakers: s.breakers.Snapshots(),
	})
}

func (s *AdminService) resetBreaker(ctx http.Context) error {
	name := ctx.Vars().Get("name")
	if name == "" {
		return errors.BadRequest("MISSING_SERVICE_NAME", "service name is required")
	}

	if err := s.breakers.Reset(name); err != nil {
		return errors.NotFound("BREAKER_NOT_FOUND", err.Error())
	}
	s.logger.Infow("circuit breaker manually reset", "service", name)
	return ctx.Result(200, map[string]string{"service": name, "state": string(model.CircuitClosed)})
}

func (s *AdminService) queueStatus(ctx http.Context) error {
	status, err := s.queue.Status(ctx)
	if err != nil {
		return errors.InternalServer("QUEUE_STATUS_FAILED", err.Error())
	}
	return ctx.Result(200, status)
}

func (s *AdminService) jobStatus(ctx http.Context) error {
	id := ctx.Vars().Get("id")
	if id == "" {
		return errors.BadRequest("MISSING_JOB_ID", "job id is required")
	}

	job, err := s.queue.JobStatus(ctx, id)
	if err != nil {
		if err == model.ErrJobNotFound {
			return errors.NotFound("JOB_NOT_FOUND", "email job not found: "+id)
		}
		return errors.InternalServer("JOB_STATUS_FAILED", err.Error())
	}
	return ctx.Result(200, job)
}

type enqueueRequest struct {
	ToEmail      string            `json:"to_email"`
	EmailType    string            `json:"email_type"`
	Variables    map[string]string `json:"variables"`
	Priority     string            `json:"priority"`
	UserID       string            `json:"user_id"`
	DelaySeconds int64             `json:"delay_seconds"`
}

type enqueueReply struct {
	JobID string `json:"job_id"`
}

func (s *AdminService) enqueueJob(ctx http.Context) error {
	var req enqueueRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_REQUEST", err.Error())
	}
	if req.ToEmail == "" {
		return errors.BadRequest("MISSING_RECIPIENT", "to_email is required")
	}
	if req.EmailType == "" {
		return errors.BadRequest("MISSING_EMAIL_TYPE", "email_type is required")
	}

	priority := model.EmailPriority(req.Priority)
	if req.Priority == "" {
		priority = model.PriorityNormal
	}
	delay := time.Duration(req.DelaySeconds) * time.Second

	id, err := s.queue.Enqueue(ctx, req.ToEmail, model.EmailType(req.EmailType), req.Variables, priority, req.UserID, delay)
	if err != nil {
		return errors.InternalServer("ENQUEUE_FAILED", err.Error())
	}
	return ctx.Result(200, enqueueReply{JobID: id})
}

func (s *AdminService) startWorker(ctx http.Context) error {
	s.queue.StartWorker()
	return ctx.Result(200, map[string]bool{"worker_running": s.queue.WorkerRunning()})
}

func (s *AdminService) stopWorker(ctx http.Context) error {
	s.queue.StopWorker()
	return ctx.Result(200, map[string]bool{"worker_running": s.queue.WorkerRunning()})
}

type rateLimitCheckRequest struct {
	Rule     string `json:"rule"`
	ClientIP string `json:"client_ip"`
	UserID   string `json:"user_id"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Custom   string `json:"custom"`
}

func (s *AdminService) checkRateLimit(ctx http.Context) error {
	var req rateLimitCheckRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.BadRequest("INVALID_REQUEST", err.Error())
	}
	if req.Rule == "" {
		req.Rule = biz.RuleAPI
	}

	decision, err := s.limiter.Enforce(ctx, req.Rule, model.RequestContext{
		ClientIP: req.ClientIP,
		UserID:   req.UserID,
		Method:   req.Method,
		Path:     req.Path,
		Custom:   req.Custom,
	})
	if err != nil {
		// A denial still reports the decision body; the 429 conversion
		// is for the admission middleware, not this probe.
		if e := errors.FromError(err); e.Code != 429 {
			return errors.InternalServer("RATE_LIMIT_CHECK_FAILED", err.Error())
		}
	}
	return ctx.Result(200, decision)
}
