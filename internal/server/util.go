package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/labvisor/internal/version"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

type errorResp struct {
	Error  string       `json:"error"`
	Code   version.Kind `json:"code,omitempty"`
	Output []string     `json:"output,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(k version.Kind) int {
	switch k {
	case version.KindNotFound:
		return http.StatusNotFound
	case version.KindAlreadyRunning, version.KindNotRunning, version.KindAlreadyExists, version.KindConflict:
		return http.StatusConflict
	case version.KindInvalidArchive:
		return http.StatusBadRequest
	case version.KindPortUnavailable:
		return http.StatusServiceUnavailable
	case version.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	kind := version.KindOf(err)
	resp := errorResp{Error: err.Error(), Code: kind}
	var ve *version.Error
	if errors.As(err, &ve) {
		resp.Output = ve.Output
	}
	writeJSON(c, statusFor(kind), resp)
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg})
}
