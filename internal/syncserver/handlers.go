package syncserver

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opensyftbox/syftbox/internal/api"
	"github.com/opensyftbox/syftbox/pkg/permission"
	pkgsync "github.com/opensyftbox/syftbox/pkg/sync"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

const maxFileSizeBytes = pkgsync.MaxFileSizeMB * 1024 * 1024

// Server is the central sync server: the authoritative store every
// datasite client diffs and patches against. Every mutating call is
// gated through Permissions so a write against a path a user has no
// syftperm.yaml grant for never reaches disk.
type Server struct {
	Workspace   *workspace.Workspace
	Auth        *AuthService
	Permissions *permission.Engine

	engine *gin.Engine
}

// Config configures a Server.
type Config struct {
	Workspace    *workspace.Workspace
	Auth         *AuthService
	MinClientVer string
}

// New builds a Server with its route table wired up. It loads the
// workspace's permission tree once at startup; callers that need the
// index kept fresh against concurrent writes should call
// (*Server).ReloadPermissions periodically.
func New(cfg Config) *Server {
	perms := permission.NewEngine()
	if err := perms.LoadTree(cfg.Workspace.DatasitesDir); err != nil {
		slog.Warn("syncserver: permission tree load", "error", err)
	}

	s := &Server{Workspace: cfg.Workspace, Auth: cfg.Auth, Permissions: perms}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	if cfg.MinClientVer != "" {
		s.engine.Use(MinClientVersion(cfg.MinClientVer))
	}

	authed := s.engine.Group("/", JWTAuth(cfg.Auth))
	authed.GET("/auth/whoami", s.handleWhoami)

	sync := authed.Group("/sync")
	sync.GET("/datasites", s.handleDatasites)
	sync.GET("/dir_state", s.handleDirState)
	sync.GET("/get_metadata", s.handleGetMetadata)
	sync.POST("/get_diff", s.handleGetDiff)
	sync.POST("/apply_diff", s.handleApplyDiff)
	sync.POST("/create", s.handleCreate)
	sync.POST("/delete", s.handleDelete)
	sync.GET("/download", s.handleDownload)
	sync.POST("/download_bulk", s.handleDownloadBulk)

	return s
}

// Handler returns the gin engine for use with net/http.
func (s *Server) Handler() *gin.Engine { return s.engine }

// ReloadPermissions rebuilds the Permissions engine from the workspace's
// current datasites tree. Callers running long-lived servers should call
// this on an interval so permission files written by clients since
// startup take effect.
func (s *Server) ReloadPermissions() error {
	fresh := permission.NewEngine()
	if err := fresh.LoadTree(s.Workspace.DatasitesDir); err != nil {
		return err
	}
	s.Permissions = fresh
	return nil
}

// authorize resolves the authenticated user's Decision for relPath and
// aborts the request with 403 if perm is not granted. Returns false when
// the request was aborted.
func (s *Server) authorize(c *gin.Context, relPath string, perm permission.Permission) bool {
	user := c.GetString("user")
	if !s.Permissions.HasPermission(user, filepath.ToSlash(relPath), perm) {
		api.AbortWithError(c, http.StatusForbidden, api.CodeAccessDenied,
			fmt.Errorf("%s denied for %s on %s", perm, user, relPath))
		return false
	}
	return true
}

// reindexIfPermissionFile reloads relPath's governing permission file into
// the engine immediately after a write, so a newly-created or modified
// syftperm.yaml takes effect without waiting for the next ReloadPermissions.
func (s *Server) reindexIfPermissionFile(relPath, absPath string) {
	if !permission.IsPermissionFile(absPath) {
		return
	}
	dirPath := filepath.ToSlash(filepath.Dir(relPath))
	if dirPath == "." {
		dirPath = ""
	}
	f, err := permission.LoadFile(dirPath, absPath)
	if err != nil {
		slog.Warn("syncserver: reindex permission file", "path", relPath, "error", err)
		return
	}
	s.Permissions.Put(f)
}

func (s *Server) handleWhoami(c *gin.Context) {
	c.PureJSON(http.StatusOK, gin.H{"email": c.GetString("user")})
}

func (s *Server) handleDatasites(c *gin.Context) {
	entries, err := os.ReadDir(s.Workspace.DatasitesDir)
	if err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	var emails []string
	for _, e := range entries {
		if e.IsDir() {
			emails = append(emails, e.Name())
		}
	}
	c.PureJSON(http.StatusOK, emails)
}

func (s *Server) absPath(relPath string) (string, error) {
	abs := filepath.Join(s.Workspace.DatasitesDir, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(s.Workspace.DatasitesDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes datasites root")
	}
	return abs, nil
}

func (s *Server) handleDirState(c *gin.Context) {
	dir := c.Query("dir")
	abs, err := s.absPath(dir)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	state := pkgsync.NewLocalState(abs)
	metas, err := state.Scan()
	if err != nil {
		api.AbortWithError(c, http.StatusNotFound, api.CodeSyncNotFound, err)
		return
	}

	out := make([]*pkgsync.FileMetadata, 0, len(metas))
	for _, m := range metas {
		out = append(out, m)
	}
	c.PureJSON(http.StatusOK, out)
}

func (s *Server) handleGetMetadata(c *gin.Context) {
	path := c.Query("path")
	abs, err := s.absPath(path)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		api.AbortWithError(c, http.StatusNotFound, api.CodeSyncNotFound, err)
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		api.AbortWithError(c, http.StatusNotFound, api.CodeSyncNotFound, err)
		return
	}
	sum := sha256.Sum256(data)
	c.PureJSON(http.StatusOK, pkgsync.FileMetadata{
		Path:         path,
		Size:         info.Size(),
		Hash:         hex.EncodeToString(sum[:]),
		LastModified: info.ModTime(),
	})
}

type diffRequest struct {
	Path      string `json:"path" binding:"required"`
	Signature string `json:"signature"`
}

// handleGetDiff returns the full current content as the "diff": the
// corpus carries no binary-delta library, so whole-file replacement
// stands in for the rsync-style signature/delta exchange (see DESIGN.md).
func (s *Server) handleGetDiff(c *gin.Context) {
	var req diffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	abs, err := s.absPath(req.Path)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		api.AbortWithError(c, http.StatusNotFound, api.CodeSyncNotFound, err)
		return
	}
	sum := sha256.Sum256(data)
	c.PureJSON(http.StatusOK, gin.H{
		"diff_bytes": base64.StdEncoding.EncodeToString(data),
		"hash":       hex.EncodeToString(sum[:]),
	})
}

type applyDiffRequest struct {
	Path         string `json:"path" binding:"required"`
	Diff         string `json:"diff" binding:"required"`
	ExpectedHash string `json:"expected_hash" binding:"required"`
}

func (s *Server) handleApplyDiff(c *gin.Context) {
	var req applyDiffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	abs, err := s.absPath(req.Path)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	if !s.authorize(c, req.Path, permission.Write) {
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Diff)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	if len(content) > maxFileSizeBytes {
		api.AbortWithError(c, http.StatusRequestEntityTooLarge, api.CodeRPCTooLarge, fmt.Errorf("file exceeds max size"))
		return
	}

	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != req.ExpectedHash {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeSyncHashMismatch, fmt.Errorf("post-apply hash mismatch"))
		return
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	s.reindexIfPermissionFile(req.Path, abs)
	c.Status(http.StatusOK)
}

type createRequest struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	abs, err := s.absPath(req.Path)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	if !s.authorize(c, req.Path, permission.Create) {
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	if len(content) > maxFileSizeBytes {
		api.AbortWithError(c, http.StatusRequestEntityTooLarge, api.CodeRPCTooLarge, fmt.Errorf("file exceeds max size"))
		return
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	s.reindexIfPermissionFile(req.Path, abs)
	c.Status(http.StatusCreated)
}

type deleteRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) handleDelete(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	abs, err := s.absPath(req.Path)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	if !s.authorize(c, req.Path, permission.Write) {
		return
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		api.AbortWithError(c, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}
	if permission.IsPermissionFile(abs) {
		s.Permissions.Remove(filepath.ToSlash(filepath.Dir(req.Path)))
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleDownload(c *gin.Context) {
	path := c.Query("path")
	abs, err := s.absPath(path)
	if err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		api.AbortWithError(c, http.StatusNotFound, api.CodeSyncNotFound, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

type downloadBulkRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

type bulkRecordWire struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// handleDownloadBulk streams one ndjson record per requested path,
// terminated by a blank line.
func (s *Server) handleDownloadBulk(c *gin.Context) {
	var req downloadBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(c, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	c.Status(http.StatusOK)
	c.Writer.Header().Set("Content-Type", "application/x-ndjson")
	writer := bufio.NewWriter(c.Writer)
	defer writer.Flush()

	for _, p := range req.Paths {
		abs, err := s.absPath(p)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		line, err := json.Marshal(bulkRecordWire{Path: p, Content: base64.StdEncoding.EncodeToString(data)})
		if err != nil {
			continue
		}
		writer.Write(line)
		writer.WriteByte('\n')
	}
	writer.WriteByte('\n')
}
