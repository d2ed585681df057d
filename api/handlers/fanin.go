package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/streamgate/config"
	"github.com/BaSui01/streamgate/llm/partialjson"
	"github.com/BaSui01/streamgate/llm/streaming"
	"github.com/BaSui01/streamgate/types"
)

// =============================================================================
// 🔀 Fan-in 流式 Handler
// =============================================================================

// 会话传输方式与结局，用作指标标签
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"

	OutcomeCompleted  = "completed"
	OutcomeErrored    = "errored"
	OutcomeTimeout    = "timeout"
	OutcomeClientGone = "client_gone"
)

// SourceOpener 为一次请求的某个逻辑源打开上游。
// 默认实现是 redisrelay.Opener。
type SourceOpener interface {
	Open(ctx context.Context, requestID, sourceID string) (streaming.Upstream, error)
}

// StreamMetrics 接收多路复用器事件与会话结局。
// internal/metrics.Collector 满足该接口。
type StreamMetrics interface {
	streaming.Observer
	RecordStreamSession(transport, outcome string)
}

// FanInRequest fan-in 请求
type FanInRequest struct {
	// 请求 ID，缺省时取 X-Request-ID 或生成 UUID
	RequestID string `json:"request_id,omitempty"`
	// 需要合流的源
	Sources []FanInSource `json:"sources"`
	// 是否在流首发送 out_of_order 声明，缺省取配置
	OutOfOrder *bool `json:"out_of_order,omitempty"`
}

// FanInSource 单个源
type FanInSource struct {
	ID         string `json:"id"`
	Normalizer string `json:"normalizer,omitempty"`
	// 源输出的是工具调用参数，结果中附带解析后的对象
	ToolArgs bool `json:"tool_args,omitempty"`
}

// FanInResult 作为 result 帧发送的汇总
type FanInResult struct {
	RequestID string                  `json:"request_id"`
	Outcome   string                  `json:"outcome"`
	Sources   map[string]SourceResult `json:"sources"`
}

// SourceResult 单个源的最终状态与累积文本
type SourceResult struct {
	State  string `json:"state"`
	Text   string `json:"text"`
	Deltas int    `json:"deltas"`

	// 仅 tool_args 源：尽力解析的参数对象，以及参数是否已闭合
	Args         map[string]any `json:"args,omitempty"`
	ArgsComplete bool           `json:"args_complete,omitempty"`
}

// FanInConfig fan-in 行为配置
type FanInConfig struct {
	OutOfOrder        bool
	Transforms        []streaming.Transform
	DefaultNormalizer streaming.NormalizerKind
	JoinTimeout       time.Duration
	MaxSources        int
	WriteTimeout      time.Duration
}

// FanInConfigFrom 从流配置构建 FanInConfig，解析变换链与默认归一化器。
func FanInConfigFrom(sc config.StreamConfig) (FanInConfig, error) {
	transforms, err := streaming.ParseTransforms(sc.Transforms)
	if err != nil {
		return FanInConfig{}, err
	}
	normalizer, err := streaming.ParseNormalizer(sc.DefaultNormalizer)
	if err != nil {
		return FanInConfig{}, err
	}
	return FanInConfig{
		OutOfOrder:        sc.OutOfOrder,
		Transforms:        transforms,
		DefaultNormalizer: normalizer,
		JoinTimeout:       sc.JoinTimeout,
		MaxSources:        sc.MaxSources,
		WriteTimeout:      sc.WriteTimeout,
	}, nil
}

// FanInOption 配置 FanInHandler
type FanInOption func(*FanInHandler)

// WithStreamMetrics 设置指标接收方
func WithStreamMetrics(sm StreamMetrics) FanInOption {
	return func(h *FanInHandler) { h.metrics = sm }
}

// WithFanInTracer 设置 source span 使用的 tracer
func WithFanInTracer(t trace.Tracer) FanInOption {
	return func(h *FanInHandler) { h.tracer = t }
}

// FanInHandler 将一次请求的多个源合流到同一个 SSE 或 WebSocket 连接。
type FanInHandler struct {
	opener  SourceOpener
	cfg     FanInConfig
	metrics StreamMetrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewFanInHandler 创建 fan-in 处理器
func NewFanInHandler(opener SourceOpener, cfg FanInConfig, logger *zap.Logger, opts ...FanInOption) *FanInHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 16
	}
	h := &FanInHandler{
		opener: opener,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "fanin_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// openedSource 已打开上游的源
type openedSource struct {
	id         string
	normalizer streaming.NormalizerKind
	toolArgs   bool
	upstream   streaming.Upstream
}

// fanInPlan 校验后的请求
type fanInPlan struct {
	requestID  string
	outOfOrder bool
	sources    []FanInSource
	normalizer []streaming.NormalizerKind
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleSSE 处理 POST /v1/stream/fanin
// @Summary 多源合流（SSE）
// @Description 打开请求中的每个源并以 text/event-stream 推送合流后的帧
// @Tags 流式
// @Accept json
// @Produce text/event-stream
// @Param request body FanInRequest true "fan-in 请求"
// @Success 200 {string} string "SSE 帧流"
// @Failure 400 {object} Response "请求无效"
// @Failure 502 {object} Response "上游打开失败"
// @Router /v1/stream/fanin [post]
func (h *FanInHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req FanInRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	plan, apiErr := h.plan(r.Context(), req)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	opened, err := h.openSources(r.Context(), plan)
	if err != nil {
		WriteError(w, asAPIError(err, types.ErrUpstreamError, "failed to open sources"), h.logger)
		return
	}

	dest := streaming.NewHTTPDestination(w, r)
	h.run(r.Context(), TransportSSE, plan, opened, dest)
}

// HandleWebSocket 处理 GET /v1/stream/fanin/ws
// 查询参数：request_id、可重复的 source（id 或 id:normalizer）、out_of_order。
// @Summary 多源合流（WebSocket）
// @Description 每个线格式帧作为一条文本消息发送
// @Tags 流式
// @Param source query []string true "源 ID，可附带 :normalizer"
// @Param request_id query string false "请求 ID"
// @Param out_of_order query bool false "是否声明乱序"
// @Success 101 {string} string "切换协议"
// @Failure 400 {object} Response "请求无效"
// @Router /v1/stream/fanin/ws [get]
func (h *FanInHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	req, apiErr := parseFanInQuery(r)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	plan, apiErr := h.plan(r.Context(), req)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	opened, err := h.openSources(r.Context(), plan)
	if err != nil {
		WriteError(w, asAPIError(err, types.ErrUpstreamError, "failed to open sources"), h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Warn("websocket accept failed", zap.Error(err))
		closeUpstreams(opened)
		return
	}

	dest := streaming.NewWebSocketDestination(r.Context(), conn, h.cfg.WriteTimeout)
	defer dest.Close()
	h.run(dest.Context(), TransportWebSocket, plan, opened, dest)
}

// parseFanInQuery 从查询参数构建请求
func parseFanInQuery(r *http.Request) (FanInRequest, *types.Error) {
	q := r.URL.Query()
	req := FanInRequest{RequestID: q.Get("request_id")}
	// source=<id>[:<normalizer>[:args]]
	for _, spec := range q["source"] {
		id, rest, _ := strings.Cut(spec, ":")
		normalizer, flag, _ := strings.Cut(rest, ":")
		req.Sources = append(req.Sources, FanInSource{ID: id, Normalizer: normalizer, ToolArgs: flag == "args"})
	}
	if v := q.Get("out_of_order"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, types.NewError(types.ErrInvalidRequest, "out_of_order must be a boolean").WithCause(err)
		}
		req.OutOfOrder = &b
	}
	return req, nil
}

// =============================================================================
// 🔧 会话流程
// =============================================================================

// plan 在提交响应头之前完成全部校验
func (h *FanInHandler) plan(ctx context.Context, req FanInRequest) (*fanInPlan, *types.Error) {
	if len(req.Sources) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "at least one source is required")
	}
	if len(req.Sources) > h.cfg.MaxSources {
		return nil, types.NewError(types.ErrInvalidRequest,
			"too many sources, max "+strconv.Itoa(h.cfg.MaxSources))
	}

	p := &fanInPlan{
		requestID:  req.RequestID,
		outOfOrder: h.cfg.OutOfOrder,
		sources:    req.Sources,
		normalizer: make([]streaming.NormalizerKind, len(req.Sources)),
	}
	if req.OutOfOrder != nil {
		p.outOfOrder = *req.OutOfOrder
	}

	seen := make(map[string]struct{}, len(req.Sources))
	for i, src := range req.Sources {
		switch src.ID {
		case "", streaming.TagMeta, streaming.TagResult:
			return nil, types.NewError(types.ErrInvalidRequest, "invalid source id "+strconv.Quote(src.ID))
		}
		if _, dup := seen[src.ID]; dup {
			return nil, types.NewError(types.ErrInvalidRequest, "duplicate source id "+strconv.Quote(src.ID))
		}
		seen[src.ID] = struct{}{}

		p.normalizer[i] = h.cfg.DefaultNormalizer
		if src.Normalizer != "" {
			k, err := streaming.ParseNormalizer(src.Normalizer)
			if err != nil {
				return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithSource(src.ID)
			}
			p.normalizer[i] = k
		}
	}

	if p.requestID == "" {
		if id, ok := types.RequestID(ctx); ok {
			p.requestID = id
		} else {
			p.requestID = uuid.NewString()
		}
	}
	return p, nil
}

// openSources 并发打开全部上游；任一失败则关闭已打开的并返回错误。
func (h *FanInHandler) openSources(ctx context.Context, p *fanInPlan) ([]openedSource, error) {
	opened := make([]openedSource, len(p.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range p.sources {
		g.Go(func() error {
			up, err := h.opener.Open(gctx, p.requestID, src.ID)
			if err != nil {
				apiErr := asAPIError(err, types.ErrUpstreamError, "failed to open source")
				if apiErr.Source == "" {
					cp := *apiErr
					cp.Source = src.ID
					apiErr = &cp
				}
				return apiErr
			}
			opened[i] = openedSource{id: src.ID, normalizer: p.normalizer[i], toolArgs: src.ToolArgs, upstream: up}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.logger.Warn("opening sources failed",
			zap.String("request_id", p.requestID),
			zap.Error(err),
		)
		closeUpstreams(opened)
		return nil, err
	}
	return opened, nil
}

// run 注册全部源，等待结束后发送 result 与 end 帧。
func (h *FanInHandler) run(ctx context.Context, transport string, p *fanInPlan, opened []openedSource, dest streaming.Destination) {
	defer closeUpstreams(opened)

	logger := h.logger.With(
		zap.String("request_id", p.requestID),
		zap.String("transport", transport),
	)
	start := time.Now()

	opts := []streaming.Option{
		streaming.WithLogger(logger),
		streaming.WithSourceTransforms(h.cfg.Transforms...),
		streaming.WithParentSpan(ctx),
	}
	if p.outOfOrder {
		opts = append(opts, streaming.WithOutOfOrder())
	}
	if h.metrics != nil {
		opts = append(opts, streaming.WithObserver(h.metrics))
	}
	if h.tracer != nil {
		opts = append(opts, streaming.WithTracer(h.tracer))
	}
	m := streaming.NewMultiplexer(dest, opts...)

	status := types.Status{
		ID:         p.requestID,
		Summary:    "streaming " + strconv.Itoa(len(opened)) + " sources",
		Kind:       types.StatusKindInfo,
		InProgress: true,
	}
	m.EmitStatus(status)

	for _, src := range opened {
		if _, err := m.Register(src.id, src.upstream, streaming.WithNormalizer(src.normalizer)); err != nil {
			logger.Error("source registration failed", zap.String("source", src.id), zap.Error(err))
		}
	}

	joinCtx := ctx
	if h.cfg.JoinTimeout > 0 {
		var cancel context.CancelFunc
		joinCtx, cancel = context.WithTimeout(ctx, h.cfg.JoinTimeout)
		defer cancel()
	}

	outcome := OutcomeCompleted
	if err := m.Join(joinCtx); err != nil {
		outcome = OutcomeClientGone
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			outcome = OutcomeTimeout
			// 超时的源被移除，客户端仍能收到 result
			for _, id := range m.Sources() {
				_ = m.Remove(id)
			}
		} else {
			m.Close()
		}
	}
	if outcome == OutcomeCompleted && m.DestinationClosed() {
		outcome = OutcomeClientGone
	}

	result := FanInResult{
		RequestID: p.requestID,
		Sources:   make(map[string]SourceResult, len(opened)),
	}
	entries := m.Snapshot()
	for _, src := range opened {
		state, _ := m.State(src.id)
		if state == streaming.SourceErrored && outcome == OutcomeCompleted {
			outcome = OutcomeErrored
		}
		e := entries[src.id]
		sr := SourceResult{State: string(state), Text: e.Text, Deltas: e.Deltas}
		if src.toolArgs {
			args := partialjson.NewToolCallArgs(src.id, "")
			args.Append(e.Text)
			sr.Args = args.Value()
			sr.ArgsComplete = args.Complete()
		}
		result.Sources[src.id] = sr
	}
	result.Outcome = outcome

	if outcome != OutcomeClientGone {
		final := status.Done(outcome)
		final.Kind = statusKind(outcome)
		m.EmitStatus(final)
		if err := m.EmitResult(result); err != nil {
			logger.Error("encoding result failed", zap.Error(err))
		}
		m.EmitResultEnd()
	}

	if h.metrics != nil {
		h.metrics.RecordStreamSession(transport, outcome)
	}
	logger.Info("fan-in session finished",
		zap.String("outcome", outcome),
		zap.Int("sources", len(opened)),
		zap.Duration("duration", time.Since(start)),
	)
}

func statusKind(outcome string) types.StatusKind {
	switch outcome {
	case OutcomeCompleted:
		return types.StatusKindInfo
	case OutcomeTimeout:
		return types.StatusKindWarning
	default:
		return types.StatusKindError
	}
}

// closeUpstreams 关闭实现了 io.Closer 的上游
func closeUpstreams(opened []openedSource) {
	for _, src := range opened {
		if c, ok := src.upstream.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
