package anchor

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/observability/alerting"
	"Aegis-Evaluator/internal/observability/metrics"
	"Aegis-Evaluator/pkg/logger"
)

const (
	defaultSinkTimeout    = 30 * time.Second
	defaultPublishTimeout = 2 * time.Second
)

// Dispatcher 将摘要写入队列，并由工作协程调用 Sink 完成锚定。
type Dispatcher struct {
	sink           Sink
	producer       Producer
	consumer       Consumer
	workerCount    int
	timeout        time.Duration
	publishTimeout time.Duration
	recorder       StatusRecorder
	alerter        alerting.Dispatcher
	logger         *slog.Logger
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithSinkTimeout 设置单次锚定调用的超时时间。
func WithSinkTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithPublishTimeout 设置入队的最长等待时间。
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// WithStatusRecorder 配置锚定结果的持久化。
func WithStatusRecorder(recorder StatusRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorder = recorder
	}
}

// WithAlerter 配置锚定失败时的告警渠道。
func WithAlerter(alerter alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerter = alerter
	}
}

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher 构造 Dispatcher。sink 为空时使用 NoopSink。
func NewDispatcher(sink Sink, queue Queue, opts ...DispatcherOption) *Dispatcher {
	if sink == nil {
		sink = NoopSink{}
	}
	d := &Dispatcher{
		sink:           sink,
		producer:       queue,
		consumer:       queue,
		workerCount:    1,
		timeout:        defaultSinkTimeout,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// SinkName 返回当前锚定器名称。
func (d *Dispatcher) SinkName() string {
	return d.sink.Name()
}

// tryPublisher 由支持非阻塞入队的队列实现，例如 MemoryQueue。
type tryPublisher interface {
	TryPublish(payload []byte) error
}

// depthReporter 由能报告积压长度的队列实现。
type depthReporter interface {
	Len() int
}

// Dispatch 将摘要入队后立即返回。入队与调用方的取消信号解耦。
// 支持 TryPublish 的队列满时立即失败，其余队列最多等待 publishTimeout。
func (d *Dispatcher) Dispatch(ctx context.Context, s Summary) error {
	if d.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置锚定队列")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化锚定摘要失败")
	}

	if err := d.publish(ctx, payload); err != nil {
		metrics.IncAnchorDispatchFailure()
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "锚定摘要入队失败",
			xerrors.WithMetadata("evaluation_id", s.EvaluationID))
		logger.L().Warn("锚定摘要入队失败",
			slog.String("evaluation_id", s.EvaluationID),
			xerrors.Attr(wrapped))
		d.record(context.WithoutCancel(ctx), s.EvaluationID, StatusFailed, "", wrapped.Error())
		return wrapped
	}
	if q, ok := d.producer.(depthReporter); ok {
		metrics.SetAnchorQueueDepth(q.Len())
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, payload []byte) error {
	if q, ok := d.producer.(tryPublisher); ok {
		return q.TryPublish(payload)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.publishTimeout)
	defer cancel()
	return d.producer.Publish(pctx, payload)
}

// Start 启动锚定处理循环，直到 ctx 结束。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置锚定消费者")
	}
	return d.consumer.Consume(ctx, d.workerCount, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, payload []byte) error {
	var s Summary
	if err := json.Unmarshal(payload, &s); err != nil {
		logger.L().Error("丢弃无法解析的锚定摘要", xerrors.Attr(err))
		return nil
	}
	d.anchor(ctx, s)
	return nil
}

// anchor 只尝试一次，失败仅记录，不重试。
func (d *Dispatcher) anchor(ctx context.Context, s Summary) {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res, err := d.sink.Anchor(sctx, s)
	elapsed := time.Since(start)

	if err != nil {
		outcome := StatusFailed
		if stdErrors.Is(sctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		if !stdErrors.Is(err, ErrAnchorSinkFailure) {
			err = sinkFailure(d.sink.Name(), err, "锚定失败")
		}
		metrics.ObserveAnchor(d.sink.Name(), outcome, elapsed)
		logger.Audit().Warn("锚定失败",
			slog.String("evaluation_id", s.EvaluationID),
			slog.String("sink", d.sink.Name()),
			slog.String("merkle_root", s.MerkleRoot),
			slog.String("outcome", outcome),
			slog.Duration("elapsed", elapsed),
			xerrors.Attr(err),
		)
		d.record(ctx, s.EvaluationID, StatusFailed, "", err.Error())
		d.alert(ctx, s, outcome, err)
		return
	}

	status := StatusAnchored
	if _, ok := d.sink.(NoopSink); ok {
		status = StatusSkipped
	}
	var txID, detail string
	if res != nil {
		txID, detail = res.TxID, res.Detail
	}
	metrics.ObserveAnchor(d.sink.Name(), status, elapsed)
	logger.Audit().Info("锚定完成",
		slog.String("evaluation_id", s.EvaluationID),
		slog.String("sink", d.sink.Name()),
		slog.String("merkle_root", s.MerkleRoot),
		slog.String("features_hash", s.FeaturesHash),
		slog.String("txid", txID),
		slog.Duration("elapsed", elapsed),
	)
	d.record(ctx, s.EvaluationID, status, txID, detail)
}

func (d *Dispatcher) alert(ctx context.Context, s Summary, outcome string, cause error) {
	if d.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:         xerrors.CodeOf(cause),
		Message:      cause.Error(),
		Severity:     xerrors.SeverityOf(cause),
		EvaluationID: s.EvaluationID,
		Sink:         d.sink.Name(),
		MerkleRoot:   s.MerkleRoot,
		Metadata:     map[string]string{"outcome": outcome},
		OccurredAt:   time.Now().UTC(),
	}
	if err := d.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		logger.L().Warn("发送锚定告警失败",
			slog.String("evaluation_id", s.EvaluationID),
			xerrors.Attr(err))
	}
}

func (d *Dispatcher) record(ctx context.Context, id, status, txID, detail string) {
	if d.recorder == nil || id == "" {
		return
	}
	if err := d.recorder.RecordAnchor(ctx, id, status, txID, detail); err != nil {
		logger.L().Error("记录锚定状态失败",
			slog.String("evaluation_id", id),
			slog.String("status", status),
			xerrors.Attr(err))
		return
	}
	if d.logger != nil {
		d.logger.Debug("锚定状态已记录", slog.String("evaluation_id", id), slog.String("status", status))
	}
}

// Close 关闭底层队列。
func (d *Dispatcher) Close() error {
	if d.producer == nil {
		return nil
	}
	return d.producer.Close()
}
