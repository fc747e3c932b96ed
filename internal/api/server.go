package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"Aegis-Evaluator/internal/evaluator"
	"Aegis-Evaluator/internal/observability/metrics"
	"Aegis-Evaluator/internal/storage"
)

// Service 为 API 层依赖的评估能力。
type Service interface {
	Evaluate(ctx context.Context, req evaluator.Request) (*evaluator.Response, error)
	Root() evaluator.TreeState
	Proof(index uint64) (*evaluator.ProofResponse, error)
	Lookup(ctx context.Context, id string) (*storage.EvaluationRecord, error)
	Recent(ctx context.Context, limit int) ([]storage.EvaluationRecord, error)
	Verify(req evaluator.VerifyRequest) (*evaluator.VerifyResult, error)
}

const (
	defaultMaxBodyBytes      = 1 << 20
	defaultReadHeaderTimeout = 5 * time.Second
)

// Server 负责暴露 REST 接口，供外部提交评估与查询证明。
type Server struct {
	addr              string
	svc               Service
	maxBodyBytes      int64
	readHeaderTimeout time.Duration
	limiter           *rate.Limiter
	exposeMetrics     bool
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithMaxBodyBytes 限制请求体大小。
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithReadHeaderTimeout 设置读取请求头的超时时间。
func WithReadHeaderTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readHeaderTimeout = d
		}
	}
}

// WithRateLimit 启用全局令牌桶限流，rps 不大于 0 时不限流。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetricsEndpoint 控制是否在 API 端口暴露 /metrics。
func WithMetricsEndpoint(enabled bool) Option {
	return func(s *Server) {
		s.exposeMetrics = enabled
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Service, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		svc:               svc,
		maxBodyBytes:      defaultMaxBodyBytes,
		readHeaderTimeout: defaultReadHeaderTimeout,
		exposeMetrics:     true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /evaluate", "evaluate", s.handleEvaluate)
	s.route(mux, "POST /api/v1/evaluations", "evaluations.create", s.handleEvaluate)
	s.route(mux, "GET /api/v1/evaluations", "evaluations.list", s.handleEvaluationList)
	s.route(mux, "GET /api/v1/evaluations/{id}", "evaluations.get", s.handleEvaluationDetail)
	s.route(mux, "GET /api/v1/tree", "tree", s.handleTree)
	s.route(mux, "GET /api/v1/proofs/{index}", "proofs.get", s.handleProof)
	s.route(mux, "POST /api/v1/verify", "verify", s.handleVerify)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.exposeMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, errServiceClosed)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
