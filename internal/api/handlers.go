package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/evaluator"
	"Aegis-Evaluator/pkg/logger"
)

const (
	CodeRateLimited     xerrors.Code = "RATE_LIMITED"
	CodePayloadTooLarge xerrors.Code = "PAYLOAD_TOO_LARGE"
	CodeUnavailable     xerrors.Code = "SERVICE_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message: "too many requests", Severity: xerrors.SeverityInfo, Retryable: true, HTTPStatus: http.StatusTooManyRequests,
	})
	xerrors.Register(CodePayloadTooLarge, xerrors.Attributes{
		Message: "request body too large", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusRequestEntityTooLarge,
	})
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message: "service unavailable", Severity: xerrors.SeverityWarning, Retryable: true, HTTPStatus: http.StatusServiceUnavailable,
	})
}

var (
	errRateLimited   = xerrors.New(CodeRateLimited, "请求过于频繁")
	errServiceClosed = xerrors.New(CodeUnavailable, "服务已关闭")
)

// errorBody 为统一的错误响应。
type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// handleEvaluate 处理评估请求。
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var body evaluateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.svc.Evaluate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// evaluateBody 区分缺失的 id 与取值为 0 的 id，0 是合法取值。
type evaluateBody struct {
	QuestID     *uint64 `json:"quest_id"`
	AgentID     *uint64 `json:"agent_id"`
	AgentOutput string  `json:"agent_output"`
}

func (b evaluateBody) request() (evaluator.Request, error) {
	ids := []struct {
		field string
		value *uint64
	}{{"quest_id", b.QuestID}, {"agent_id", b.AgentID}}
	for _, id := range ids {
		if id.value == nil {
			return evaluator.Request{}, xerrors.New(xerrors.CodeValidation, id.field+" 不能为空",
				xerrors.WithMetadata("field", id.field))
		}
	}
	return evaluator.Request{QuestID: *b.QuestID, AgentID: *b.AgentID, AgentOutput: b.AgentOutput}, nil
}

// handleEvaluationDetail 查询单条评估记录。
func (s *Server) handleEvaluationDetail(w http.ResponseWriter, r *http.Request) {
	record, err := s.svc.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleEvaluationList 返回最近的评估记录，limit 缺省时使用存储层默认值。
func (s *Server) handleEvaluationList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "limit 必须为整数"))
			return
		}
		limit = n
	}
	records, err := s.svc.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": records})
}

func (s *Server) handleTree(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Root())
}

// handleProof 为指定叶子生成针对当前根的证明。
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 64)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "叶子索引必须为非负整数"))
		return
	}
	proof, err := s.svc.Proof(index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// handleVerify 使用服务的摘要算法与奇数节点策略校验证明。
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req evaluator.VerifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.svc.Verify(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.svc.Root()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"mode":      state.Mode,
		"tree_size": state.Size,
	})
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return xerrors.Wrap(CodePayloadTooLarge, err, "请求体超过大小限制")
		}
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误码映射 HTTP 状态，未识别的错误不向调用方暴露细节。
func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	code, message := xerrors.Public(err)
	body := errorBody{Code: code, Message: message}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Int("status", status), xerrors.Attr(err))
	}
	writeJSON(w, status, body)
}
