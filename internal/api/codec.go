package api

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "AgentIntent-Chain/internal/errors"
)

// CallerHeader 携带发起调用的地址。
const CallerHeader = "X-Caller-Address"

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func statusForKind(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindConflict:
		return http.StatusConflict
	case xerrors.KindForbidden:
		return http.StatusForbidden
	case xerrors.KindRejected:
		return http.StatusUnprocessableEntity
	case xerrors.KindPrecondition:
		return http.StatusPreconditionFailed
	case xerrors.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorCodeView struct {
	Code      xerrors.Code     `json:"code"`
	Message   string           `json:"message"`
	Kind      xerrors.Kind     `json:"kind"`
	Severity  xerrors.Severity `json:"severity"`
	Status    int              `json:"http_status"`
	Retryable bool             `json:"retryable"`
}

// handleErrorCatalog 列出全部已注册错误码及其 HTTP 映射。
func (s *Server) handleErrorCatalog(w http.ResponseWriter, _ *http.Request) error {
	codes := xerrors.Codes()
	views := make([]errorCodeView, 0, len(codes))
	for _, code := range codes {
		attr := xerrors.AttributesOf(code)
		views = append(views, errorCodeView{
			Code:      code,
			Message:   attr.Message,
			Kind:      attr.Kind,
			Severity:  attr.Severity,
			Status:    statusForKind(attr.Kind),
			Retryable: attr.Retryable,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": views})
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	resp := errorResponse{Code: xerrors.CodeOf(err), Message: xerrors.ReasonOf(err)}
	if e, ok := xerrors.From(err); ok {
		resp.Metadata = e.Metadata()
	}
	status := statusForKind(xerrors.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("op", op), slog.Any("error", err))
	} else {
		s.log.Debug("请求被拒绝", slog.String("op", op), slog.String("code", string(resp.Code)))
	}
	writeJSON(w, status, resp)
}

func invalid(message string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func parseAddress(raw, field string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, invalid(field + " 不是合法地址")
	}
	return common.HexToAddress(raw), nil
}

func parseOptionalAddress(raw, field string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(raw, field)
}

func callerFrom(r *http.Request) (common.Address, error) {
	raw := r.Header.Get(CallerHeader)
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, invalid("缺少 " + CallerHeader + " 请求头")
	}
	return parseAddress(raw, CallerHeader)
}

func parseHash(raw, field string) (common.Hash, error) {
	data, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(data) != common.HashLength {
		return common.Hash{}, invalid(field + " 必须是 32 字节十六进制")
	}
	return common.BytesToHash(data), nil
}

func parseBytes(raw, field string) ([]byte, error) {
	data, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, invalid(field + " 必须是 0x 前缀的十六进制")
	}
	return data, nil
}

func parseAmount(raw, field string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, invalid(field + " 必须是非负十进制整数")
	}
	return value, nil
}
