package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digitpad/internal/canvas"
	"github.com/Brownie44l1/digitpad/internal/dataset"
	"github.com/Brownie44l1/digitpad/internal/errdefs"
	"github.com/Brownie44l1/digitpad/internal/feedback"
	"github.com/Brownie44l1/digitpad/internal/model"
	"github.com/Brownie44l1/digitpad/internal/tensor"
)

// MaxUploadSize bounds stroke request bodies.
const MaxUploadSize = 10 << 20

// Controller is the feedback surface the HTTP shell drives.
type Controller interface {
	SubmitStroke(b tensor.Bitmap) (model.Prediction, error)
	Confirm() (feedback.Outcome, error)
	Reject() error
	ProvideLabel(label int) (feedback.Outcome, error)
	State() feedback.State
	Pending() (model.Prediction, bool)
}

type Handler struct {
	ctrl       Controller
	canvasSide int
}

func NewHandler(ctrl Controller) *Handler {
	return &Handler{
		ctrl:       ctrl,
		canvasSide: canvas.DefaultSide,
	}
}

var statusByKind = map[errdefs.Kind]int{
	errdefs.KindInvalidInput:      http.StatusBadRequest,
	errdefs.KindCorruptAsset:      http.StatusBadRequest,
	errdefs.KindInvalidLabel:      http.StatusUnprocessableEntity,
	errdefs.KindInvalidTransition: http.StatusConflict,
	errdefs.KindPersistence:       http.StatusInternalServerError,
	errdefs.KindModelState:        http.StatusInternalServerError,
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind errdefs.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := errdefs.KindOf(err)
	status := StatusOf(kind)
	entry := log.WithFields(log.Fields{"path": c.FullPath(), "kind": kind})
	if status >= http.StatusInternalServerError {
		entry.Error("[Handler] Request failed: ", err)
	} else {
		entry.Debug("[Handler] Request rejected: ", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) State(c *gin.Context) {
	resp := gin.H{"state": h.ctrl.State().String()}
	if p, ok := h.ctrl.Pending(); ok {
		resp["prediction"] = p
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) submit(c *gin.Context, b tensor.Bitmap) {
	p, err := h.ctrl.SubmitStroke(b)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"label":         p.Label,
		"confidence":    p.Confidence,
		"probabilities": p.Probabilities,
		"state":         h.ctrl.State().String(),
	})
}

// SubmitImage classifies an uploaded PNG/JPEG canvas capture (form field "image").
func (h *Handler) SubmitImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	header, err := c.FormFile("image")
	if err != nil {
		h.fail(c, errdefs.Newf(errdefs.ErrInvalidInput, "no image file provided, use 'image' as the form field name"))
		return
	}
	file, err := header.Open()
	if err != nil {
		h.fail(c, errdefs.Wrap(errdefs.ErrInvalidInput, err))
		return
	}
	defer file.Close()

	b, err := dataset.DecodeImage(file)
	if err != nil {
		h.fail(c, err)
		return
	}
	log.WithFields(log.Fields{
		"file":   header.Filename,
		"width":  b.Width,
		"height": b.Height,
	}).Debug("[Handler] Received stroke image")
	h.submit(c, b)
}

// RawRequest is a bitmap in row-major interleaved layout; Pixels is base64 in JSON.
type RawRequest struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Pixels   []byte `json:"pixels"`
}

func (h *Handler) SubmitRaw(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	var req RawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errdefs.Wrap(errdefs.ErrInvalidInput, err))
		return
	}
	h.submit(c, tensor.Bitmap{
		Width:    req.Width,
		Height:   req.Height,
		Channels: req.Channels,
		Pix:      req.Pixels,
	})
}

// PointsRequest is a list of strokes, each a polyline of [x, y] canvas points.
type PointsRequest struct {
	Strokes [][][2]int `json:"strokes"`
}

func (h *Handler) SubmitPoints(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
	var req PointsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errdefs.Wrap(errdefs.ErrInvalidInput, err))
		return
	}
	if len(req.Strokes) == 0 {
		h.fail(c, errdefs.Newf(errdefs.ErrInvalidInput, "no strokes"))
		return
	}

	cv, err := canvas.New(h.canvasSide)
	if err != nil {
		h.fail(c, err)
		return
	}
	for _, stroke := range req.Strokes {
		points := make([]canvas.Point, len(stroke))
		for i, p := range stroke {
			points[i] = canvas.Point{X: p[0], Y: p[1]}
		}
		cv.Stroke(points)
	}
	h.submit(c, cv.Bitmap())
}

func (h *Handler) Confirm(c *gin.Context) {
	out, err := h.ctrl.Confirm()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Reject(c *gin.Context) {
	if err := h.ctrl.Reject(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.ctrl.State().String()})
}

// LabelRequest carries the true label after a reject.
type LabelRequest struct {
	Label *int `json:"label" binding:"required"`
}

func (h *Handler) Label(c *gin.Context) {
	var req LabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errdefs.Wrap(errdefs.ErrInvalidInput, err))
		return
	}
	out, err := h.ctrl.ProvideLabel(*req.Label)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
