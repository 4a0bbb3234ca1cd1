package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/auth"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/escrow"
	"X402-Chain/internal/job"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/internal/registry"
	"X402-Chain/pkg/logger"
)

// EscrowReader 是查询接口依赖的托管只读能力，*escrow.Escrow 满足该接口。
type EscrowReader interface {
	Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error)
	Order(ctx context.Context, id uint64) (*escrow.Order, error)
	Orders(ctx context.Context, filter escrow.OrderFilter) ([]*escrow.Order, error)
	OrderCount(ctx context.Context) (uint64, error)
}

// RegistryReader 是策略登记表的只读能力，*registry.Registry 满足该接口。
type RegistryReader interface {
	Get(ctx context.Context, id common.Hash) (*registry.Record, error)
	List(ctx context.Context, owner common.Address) ([]*registry.Record, error)
}

// JobService 是任务层能力，*job.Service 满足该接口。
type JobService interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, opts ...job.ListOption) ([]*job.Job, error)
	Stats(ctx context.Context, opts ...job.ListOption) (job.Stats, error)
}

// Dependencies 汇总服务依赖，为 nil 的依赖对应的接口返回 503。
type Dependencies struct {
	Escrow   EscrowReader
	Registry RegistryReader
	Jobs     JobService
	Auth     *auth.Service
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	deps Dependencies
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, log: logger.Named("api")}
}

// Handler 返回完整的路由，便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	protect := func(perms map[string][]string, h http.HandlerFunc) http.Handler {
		return s.deps.Auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms})(h)
	}
	read := func(perm string) map[string][]string {
		return map[string][]string{"*": {perm}}
	}

	mux.Handle("GET /healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("POST /api/v1/auth/token", s.instrument("auth_token", http.HandlerFunc(s.handleToken)))

	mux.Handle("GET /api/v1/escrow/balances/{owner}/{asset}",
		s.instrument("escrow_balance", protect(read(auth.PermEscrowRead), s.handleBalance)))
	mux.Handle("GET /api/v1/escrow/orders",
		s.instrument("escrow_orders", protect(read(auth.PermEscrowRead), s.handleListOrders)))
	mux.Handle("GET /api/v1/escrow/orders/{id}",
		s.instrument("escrow_order", protect(read(auth.PermEscrowRead), s.handleGetOrder)))

	mux.Handle("GET /api/v1/strategies",
		s.instrument("strategies", protect(read(auth.PermRegistryRead), s.handleListStrategies)))
	mux.Handle("GET /api/v1/strategies/{id}",
		s.instrument("strategy", protect(read(auth.PermRegistryRead), s.handleGetStrategy)))

	jobPerms := map[string][]string{
		http.MethodGet:  {auth.PermJobsRead},
		http.MethodPost: {auth.PermJobsSubmit},
	}
	mux.Handle("GET /api/v1/jobs", s.instrument("jobs", protect(jobPerms, s.handleListJobs)))
	mux.Handle("POST /api/v1/jobs", s.instrument("jobs", protect(jobPerms, s.handleSubmitJob)))
	mux.Handle("GET /api/v1/jobs/stats", s.instrument("job_stats", protect(jobPerms, s.handleJobStats)))
	mux.Handle("GET /api/v1/jobs/{id}", s.instrument("job", protect(jobPerms, s.handleGetJob)))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	pair, err := s.deps.Auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		switch xerrors.CodeOf(err) {
		case auth.CodeDisabled:
			status = http.StatusNotFound
		case auth.CodeUnsupportedGrant:
			status = http.StatusBadRequest
		case auth.CodeSubjectRevoked:
			status = http.StatusForbidden
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "code": xerrors.CodeOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escrow == nil {
		writeError(w, http.StatusServiceUnavailable, "托管服务未初始化")
		return
	}
	owner, ok := parseAddress(w, r.PathValue("owner"))
	if !ok {
		return
	}
	asset, ok := parseAddress(w, r.PathValue("asset"))
	if !ok {
		return
	}
	balance, err := s.deps.Escrow.Balance(r.Context(), owner, asset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":   owner.Hex(),
		"asset":   asset.Hex(),
		"balance": balance.String(),
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escrow == nil {
		writeError(w, http.StatusServiceUnavailable, "托管服务未初始化")
		return
	}
	query := r.URL.Query()
	filter := escrow.OrderFilter{
		Status: escrow.OrderStatus(query.Get("status")),
		Limit:  intParam(query.Get("limit")),
		Offset: intParam(query.Get("offset")),
	}
	if raw := query.Get("owner"); raw != "" {
		addr, ok := parseAddress(w, raw)
		if !ok {
			return
		}
		filter.Owner = addr
	}
	if raw := query.Get("agent"); raw != "" {
		addr, ok := parseAddress(w, raw)
		if !ok {
			return
		}
		filter.Agent = addr
	}
	orders, err := s.deps.Escrow.Orders(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	total, err := s.deps.Escrow.OrderCount(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "total": total})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escrow == nil {
		writeError(w, http.StatusServiceUnavailable, "托管服务未初始化")
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "订单编号必须是十进制整数")
		return
	}
	order, err := s.deps.Escrow.Order(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "策略登记表未初始化")
		return
	}
	owner, ok := parseAddress(w, r.URL.Query().Get("owner"))
	if !ok {
		return
	}
	records, err := s.deps.Registry.List(r.Context(), owner)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": records})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "策略登记表未初始化")
		return
	}
	raw := r.PathValue("id")
	if !isHash(raw) {
		writeError(w, http.StatusBadRequest, "策略编号必须是 32 字节十六进制")
		return
	}
	record, err := s.deps.Registry.Get(r.Context(), common.HexToHash(raw))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	opts, ok := jobListOptions(w, r)
	if !ok {
		return
	}
	jobs, err := s.deps.Jobs.List(r.Context(), opts...)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	opts, ok := jobListOptions(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Jobs.Stats(r.Context(), opts...)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	item, err := s.deps.Jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleSubmitJob 创建运营任务。鉴权开启时任务总以登录主体绑定的链上地址执行，
// 只有具备 jobs:act_as 权限的主体可以指定其他 caller。
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return
	}
	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "请求体解析失败")
		return
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		payload, err := bindCaller(subject, req.Payload)
		if err != nil {
			s.log.Warn("任务 caller 校验失败",
				append([]any{slog.String("user", subject.Username)}, xerrors.LogAttrs(err)...)...)
			s.writeDomainError(w, err)
			return
		}
		req.Payload = payload
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata["submitted_by"] = subject.Username
	}

	submitted, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	}
	payload := map[string]any{"error": err.Error(), "code": xerrors.CodeOf(err)}
	writeJSON(w, status, payload)
}

// statusFor 把错误分类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, job.CodeJobNotFound, escrow.CodeOrderNotFound, registry.CodeStrategyNotFound:
		return http.StatusNotFound
	}
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryValidation:
		return http.StatusBadRequest
	case xerrors.CategoryAuthorization:
		return http.StatusForbidden
	case xerrors.CategoryState, xerrors.CategoryEconomic:
		return http.StatusConflict
	case xerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func jobListOptions(w http.ResponseWriter, r *http.Request) ([]job.ListOption, bool) {
	query := r.URL.Query()
	opts := []job.ListOption{
		job.WithLimit(intParam(query.Get("limit"))),
		job.WithOffset(intParam(query.Get("offset"))),
		job.WithQuery(query.Get("q")),
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, item := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(item))
			if !job.IsValidStatus(status) {
				writeError(w, http.StatusBadRequest, "未知的任务状态: "+item)
				return nil, false
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := query.Get("kind"); raw != "" {
		var kinds []job.Kind
		for _, item := range strings.Split(raw, ",") {
			kind := job.Kind(strings.TrimSpace(item))
			if !job.IsValidKind(kind) {
				writeError(w, http.StatusBadRequest, "未知的任务类型: "+item)
				return nil, false
			}
			kinds = append(kinds, kind)
		}
		opts = append(opts, job.WithKinds(kinds...))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	return opts, true
}

// bindCaller 把任务 payload 的 caller 绑定到登录主体。
//   - 主体绑定了地址：caller 为空或相同时写入绑定地址，不同则需要 jobs:act_as。
//   - 主体未绑定地址：必须具备 jobs:act_as，caller 为空时交由守护进程身份执行。
func bindCaller(subject *auth.Subject, raw json.RawMessage) (json.RawMessage, error) {
	var payload map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil || payload == nil {
		return nil, xerrors.New(job.CodeJobValidation, "任务参数必须是 JSON 对象")
	}
	var requested string
	switch value := payload["caller"].(type) {
	case nil:
	case string:
		requested = strings.TrimSpace(value)
	default:
		return nil, xerrors.New(job.CodeJobValidation, "caller 地址不合法")
	}
	if requested != "" && !common.IsHexAddress(requested) {
		return nil, xerrors.New(job.CodeJobValidation, "caller 地址不合法")
	}

	bound, hasBound := subject.Caller()
	actAs := subject.HasPermission(auth.PermJobsActAs)
	switch {
	case requested != "" && hasBound && common.HexToAddress(requested) == bound:
	case requested != "":
		if !actAs {
			return nil, xerrors.New(auth.CodePermissionDenied, "caller does not match the subject's bound address",
				xerrors.WithMetadata("permission", auth.PermJobsActAs),
				xerrors.WithMetadata("caller", requested))
		}
		payload["caller"] = common.HexToAddress(requested).Hex()
		return json.Marshal(payload)
	case !hasBound:
		if !actAs {
			return nil, xerrors.New(auth.CodePermissionDenied, "subject has no bound on-chain address",
				xerrors.WithMetadata("permission", auth.PermJobsActAs))
		}
		return json.Marshal(payload)
	}
	payload["caller"] = bound.Hex()
	return json.Marshal(payload)
}

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "地址不合法: "+raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func isHash(raw string) bool {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return false
	}
	for _, c := range raw {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func intParam(raw string) int {
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
