package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nnsW3/multicall-handler/internal/auth"
	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
	"github.com/nnsW3/multicall-handler/internal/handler"
	"github.com/nnsW3/multicall-handler/internal/journal"
	"github.com/nnsW3/multicall-handler/internal/ledger"
	"github.com/nnsW3/multicall-handler/internal/message"
	"github.com/nnsW3/multicall-handler/internal/observability/metrics"
)

// ChainDirectory 提供已注册链的名称列表。
type ChainDirectory interface {
	Chains() []string
}

// Server 负责暴露 REST 接口，供外部系统投递与查询指令消息。
type Server struct {
	addr     string
	messages *message.Service
	journal  journal.Store
	ledger   *ledger.Ledger
	executor *handler.Handler
	token    *handler.AccessToken
	chains   ChainDirectory
	auth     *auth.Service
}

// Option 定义可选配置。
type Option func(*Server)

// WithJournal 配置执行日志查询。
func WithJournal(store journal.Store) Option {
	return func(s *Server) { s.journal = store }
}

// WithLedger 配置余额查询使用的账本。
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithDrainer 配置手动清扫所需的执行器与访问令牌。
func WithDrainer(executor *handler.Handler, token *handler.AccessToken) Option {
	return func(s *Server) {
		s.executor = executor
		s.token = token
	}
}

// WithChains 配置链目录。
func WithChains(chains ChainDirectory) Option {
	return func(s *Server) { s.chains = chains }
}

// WithAuth 配置认证服务。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, messages *message.Service, opts ...Option) *Server {
	s := &Server{addr: addr, messages: messages}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
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

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	messagesHandler := http.HandlerFunc(s.handleMessages)
	drainHandler := http.HandlerFunc(s.handleDrain)
	if s.auth != nil {
		messageMW := s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodPost: {auth.PermMessagesWrite},
			},
			AuditEvent: "messages",
		})
		drainMW := s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodPost: {auth.PermDrainExecute},
			},
			AuditEvent: "drain",
		})
		mux.Handle("/api/v1/messages", instrument("messages", messageMW(messagesHandler)))
		mux.Handle("/api/v1/drain", instrument("drain", drainMW(drainHandler)))
	} else {
		mux.Handle("/api/v1/messages", instrument("messages", messagesHandler))
		mux.Handle("/api/v1/drain", instrument("drain", drainHandler))
	}

	mux.Handle("/api/v1/messages/stats", instrument("message_stats", http.HandlerFunc(s.handleMessageStats)))
	mux.Handle("/api/v1/messages/", instrument("message_detail", http.HandlerFunc(s.handleMessageDetail)))
	mux.Handle("/api/v1/journal", instrument("journal", http.HandlerFunc(s.handleJournal)))
	mux.Handle("/api/v1/balances", instrument("balances", http.HandlerFunc(s.handleBalances)))
	mux.Handle("/api/v1/chains", instrument("chains", http.HandlerFunc(s.handleChains)))
	mux.Handle("/api/v1/auth/token", instrument("auth_token", http.HandlerFunc(s.handleToken)))
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitMessage(w, r)
	case http.MethodGet:
		s.handleListMessages(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitMessage 接收一条新的指令消息。
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		http.Error(w, "消息服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req message.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	msg, err := s.messages.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		http.Error(w, "消息服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := listOptionsFromQuery(r)
	results, err := s.messages.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.messages == nil {
		http.Error(w, "消息服务未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.messages.Stats(r.Context(), listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.messages == nil {
		http.Error(w, "消息服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/messages/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "消息 ID 不合法", http.StatusBadRequest)
		return
	}
	msg, err := s.messages.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.journal == nil {
		http.Error(w, "执行日志未启用", http.StatusServiceUnavailable)
		return
	}
	filter := journal.Filter{Kind: strings.TrimSpace(r.URL.Query().Get("kind"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	entries, err := s.journal.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// balanceResponse 描述余额查询的返回结构。
type balanceResponse struct {
	Asset   string `json:"asset"`
	Holder  string `json:"holder"`
	Balance string `json:"balance"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.ledger == nil {
		http.Error(w, "账本未初始化", http.StatusServiceUnavailable)
		return
	}
	rawHolder := strings.TrimSpace(r.URL.Query().Get("holder"))
	if !common.IsHexAddress(rawHolder) {
		http.Error(w, "持有人地址不合法", http.StatusBadRequest)
		return
	}
	rawAsset := strings.TrimSpace(r.URL.Query().Get("asset"))
	asset := handler.NativeAsset
	if rawAsset != "" {
		if !common.IsHexAddress(rawAsset) {
			http.Error(w, "资产地址不合法", http.StatusBadRequest)
			return
		}
		asset = common.HexToAddress(rawAsset)
	}
	holder := common.HexToAddress(rawHolder)
	balance, err := s.ledger.BalanceOf(r.Context(), asset, holder)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Asset:   asset.Hex(),
		Holder:  holder.Hex(),
		Balance: balance.String(),
	})
}

// drainRequest 描述手动清扫请求。
type drainRequest struct {
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
}

// drainResponse 描述手动清扫结果。
type drainResponse struct {
	Asset       string `json:"asset"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.executor == nil || s.token == nil {
		http.Error(w, "清扫操作未启用", http.StatusServiceUnavailable)
		return
	}

	var req drainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(strings.TrimSpace(req.Destination)) {
		http.Error(w, "目的地址不合法", http.StatusBadRequest)
		return
	}
	destination := common.HexToAddress(req.Destination)
	asset := handler.NativeAsset
	if raw := strings.TrimSpace(req.Asset); raw != "" {
		if !common.IsHexAddress(raw) {
			http.Error(w, "资产地址不合法", http.StatusBadRequest)
			return
		}
		asset = common.HexToAddress(raw)
	}

	amount := "0"
	if s.ledger != nil {
		if balance, err := s.ledger.BalanceOf(r.Context(), asset, s.executor.Self()); err == nil && balance != nil {
			amount = balance.String()
		}
	}
	if err := s.executor.DrainLeftoverTokens(r.Context(), s.token, asset, destination); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drainResponse{
		Asset:       asset.Hex(),
		Destination: destination.Hex(),
		Amount:      amount,
	})
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.chains == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}
	writeJSON(w, http.StatusOK, s.chains.Chains())
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		http.Error(w, "认证未启用", http.StatusNotFound)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		if stdErrors.Is(err, auth.ErrUnsupportedGrant) {
			status = http.StatusBadRequest
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// listOptionsFromQuery 解析列表查询参数。
func listOptionsFromQuery(r *http.Request) []message.ListOption {
	var opts []message.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, message.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts = append(opts, message.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []message.Status
		for _, value := range strings.Split(raw, ",") {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			statuses = append(statuses, message.Status(value))
		}
		if len(statuses) > 0 {
			opts = append(opts, message.WithStatuses(statuses...))
		}
	}
	if raw := query.Get("has_receipt"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			opts = append(opts, message.WithHasReceipt(parsed))
		}
	}
	switch strings.ToLower(query.Get("order")) {
	case "asc":
		opts = append(opts, message.WithOrder(message.SortByUpdatedAsc))
	case "desc":
		opts = append(opts, message.WithOrder(message.SortByUpdatedDesc))
	}
	return opts
}

// writeJSON 输出 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 根据错误类型映射 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stdErrors.Is(err, message.ErrMessageNotFound):
		status = http.StatusNotFound
	case stdErrors.Is(err, message.ErrMessageConflict):
		status = http.StatusConflict
	case xerrors.CodeOf(err) == message.CodeMessageValidation,
		xerrors.CodeOf(err) == xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// instrument 记录请求指标。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
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
