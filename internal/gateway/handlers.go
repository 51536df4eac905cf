package gateway

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opensyftbox/syftbox/internal/api"
	"github.com/opensyftbox/syftbox/pkg/rpc"
	"github.com/opensyftbox/syftbox/pkg/syfturl"
)

const (
	statusPending   = "RPC_PENDING"
	statusCompleted = "RPC_COMPLETED"
	statusError     = "RPC_ERROR"
	statusNotFound  = "RPC_NOT_FOUND"
)

type sendRequest struct {
	AppName string            `json:"app_name" binding:"required"`
	URL     string            `json:"url" binding:"required"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"` // base64
	Expiry  string            `json:"expiry"`
	Cache   bool              `json:"cache"`
	Sender  string            `json:"sender" binding:"required"`
}

type sendResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Request  string `json:"request"`
	Body     string `json:"body,omitempty"`
	HTTPCode int    `json:"status_code,omitempty"`
}

// handleSend implements POST /rpc: persists a future row and returns
// immediately unless ?blocking=true, in which case it awaits the response.
func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	url, err := syfturl.Parse(req.URL)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	client := s.newClient(req.Sender)
	future, err := client.Send(url, body, rpc.SendOptions{
		Headers: req.Headers,
		Expiry:  req.Expiry,
		Cache:   req.Cache,
	})
	if err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}

	if err := s.db.Put(FutureRow{ID: future.ID, Path: future.LocalPath, Expires: future.Expires, Namespace: req.AppName}); err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}

	if c.Query("blocking") == "true" {
		resp, err := future.Wait(s.cfg.BlockTimeout, 200*time.Millisecond)
		_ = s.db.Delete(future.ID)
		if err != nil {
			c.PureJSON(http.StatusGatewayTimeout, sendResponse{ID: future.ID, Status: statusError, Request: req.URL})
			return
		}
		c.PureJSON(http.StatusOK, sendResponse{
			ID:       future.ID,
			Status:   statusCompleted,
			Request:  req.URL,
			Body:     base64.StdEncoding.EncodeToString(resp.Body),
			HTTPCode: int(resp.StatusCode),
		})
		return
	}

	c.PureJSON(http.StatusAccepted, sendResponse{ID: future.ID, Status: statusPending, Request: req.URL})
}

// handleStatus implements GET /rpc/status/{id}.
func (s *Server) handleStatus(c *gin.Context) {
	id := c.Param("id")

	row, ok, err := s.db.Get(id)
	if err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	if !ok {
		c.PureJSON(http.StatusNotFound, sendResponse{ID: id, Status: statusNotFound})
		return
	}

	future := &rpc.Future{ID: id, LocalPath: row.Path, Expires: row.Expires}
	resp, state, err := future.Resolve(true)

	switch state {
	case rpc.StateCompleted:
		_ = s.db.Delete(id)
		c.PureJSON(http.StatusOK, sendResponse{
			ID:       id,
			Status:   statusCompleted,
			Body:     base64.StdEncoding.EncodeToString(resp.Body),
			HTTPCode: int(resp.StatusCode),
		})
	case rpc.StateRejected, rpc.StateExpired, rpc.StateDeleted:
		_ = s.db.Delete(id)
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		c.PureJSON(http.StatusOK, sendResponse{ID: id, Status: statusError, Body: msg})
	default:
		c.PureJSON(http.StatusOK, sendResponse{ID: id, Status: statusPending})
	}
}

// handleSchema implements GET /rpc/schema/{app_name}: serves the
// rpc.schema.json an app published via events.SyftEvents.PublishSchema.
func (s *Server) handleSchema(c *gin.Context) {
	appName := c.Param("app_name")
	email := c.Query("datasite")
	if email == "" {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("missing datasite query parameter"))
		return
	}

	path := filepath.Join(s.cfg.Workspace.DatasiteDir(email), "api_data", appName, "rpc", "rpc.schema.json")
	data, err := os.ReadFile(path)
	if err != nil {
		api.AbortWithError(c, http.StatusNotFound, api.CodeRPCNotFound, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}
