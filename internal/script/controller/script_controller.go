package controller

import (
	"io"
	"net/http"
	"path/filepath"

	"autograder/internal/script"
	pkgerrors "autograder/pkg/errors"
	"autograder/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ScriptController handles grading script administration.
type ScriptController struct {
	manager *script.Manager
}

// NewScriptController creates a new ScriptController.
func NewScriptController(manager *script.Manager) *ScriptController {
	return &ScriptController{manager: manager}
}

// Deploy installs an uploaded grading script.
func (h *ScriptController) Deploy(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	if file.Size > h.manager.MaxBytes() {
		response.Error(c, pkgerrors.Newf(pkgerrors.ScriptTooLarge, "grading script exceeds %d bytes", h.manager.MaxBytes()))
		return
	}
	f, err := file.Open()
	if err != nil {
		response.Error(c, pkgerrors.Wrap(err, pkgerrors.InvalidParams))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.manager.MaxBytes()+1))
	if err != nil {
		response.Error(c, pkgerrors.Wrap(err, pkgerrors.InvalidParams))
		return
	}

	info, err := h.manager.Deploy(c.Request.Context(), filepath.Base(file.Filename), data)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMessage(c, "Grading script deployed", info)
}

// Get downloads the active grading script.
func (h *ScriptController) Get(c *gin.Context) {
	data, err := h.manager.Fetch(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	h.attachment(c, filepath.Base(h.manager.ActivePath()), data)
}

// GetBackup downloads the previous grading script.
func (h *ScriptController) GetBackup(c *gin.Context) {
	data, err := h.manager.FetchBackup(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	h.attachment(c, filepath.Base(h.manager.ActivePath())+".bak", data)
}

// Info returns size and checksum of the active grading script.
func (h *ScriptController) Info(c *gin.Context) {
	info, err := h.manager.Info(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

func (h *ScriptController) attachment(c *gin.Context, name string, data []byte) {
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// RegisterRoutes mounts the script endpoints on an admin-only group.
func (h *ScriptController) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/grading-script", h.Deploy)
	g.GET("/grading-script", h.Get)
	g.GET("/grading-script/backup", h.GetBackup)
	g.GET("/grading-script/info", h.Info)
}
