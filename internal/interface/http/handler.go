package http

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/yanqian/agrivision/internal/domain/diagnosis"
	"github.com/yanqian/agrivision/internal/domain/session"
	"github.com/yanqian/agrivision/internal/infra/config"
	"github.com/yanqian/agrivision/internal/infra/imageproc"
	"github.com/yanqian/agrivision/pkg/metrics"
)

// multipart framing allowance on top of the image itself.
const multipartOverhead = 64 << 10

// Handler wires the HTTP transport to domain services.
type Handler struct {
	diagnosisSvc   diagnosis.Service
	sessionSvc     session.Service
	imageOpts      imageproc.Options
	maxUploadBytes int64
	sanitizer      *bluemonday.Policy
	logger         *slog.Logger
}

// NewHandler constructs the root HTTP handler.
func NewHandler(cfg *config.Config, diagnosisSvc diagnosis.Service, sessionSvc session.Service, logger *slog.Logger) *Handler {
	h := &Handler{
		diagnosisSvc: diagnosisSvc,
		sessionSvc:   sessionSvc,
		imageOpts: imageproc.Options{
			MaxDim:      cfg.LLM.MaxImageDim,
			JPEGQuality: cfg.LLM.JPEGQuality,
			MaxPixels:   cfg.LLM.MaxImagePixels,
		},
		maxUploadBytes: cfg.HTTP.MaxUploadBytes,
		logger:         logger.With("component", "http.handler"),
	}
	if cfg.HTTP.SanitizeGrounding {
		h.sanitizer = bluemonday.UGCPolicy()
	}
	return h
}

type diagnoseOptions struct {
	City     string `json:"city"`
	Search   *bool  `json:"search"`
	Annotate bool   `json:"annotate"`
	Format   string `json:"format"`
}

type imageDims struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type annotatedImage struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

type diagnosisResponse struct {
	SessionID      string              `json:"sessionId,omitempty"`
	City           string              `json:"city"`
	Weather        string              `json:"weather"`
	Result         diagnosis.Result    `json:"result"`
	Region         diagnosis.PixelBox  `json:"region"`
	Image          imageDims           `json:"image"`
	AnnotatedImage *annotatedImage     `json:"annotatedImage,omitempty"`
	TokenUsage     *metrics.TokenUsage `json:"tokenUsage,omitempty"`
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Diagnose runs a one-shot diagnosis on a multipart upload.
func (h *Handler) Diagnose(c *gin.Context) {
	data, err := h.readUpload(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	opts := diagnoseOptions{
		City:     c.PostForm("city"),
		Annotate: formBool(c.PostForm("annotate")),
		Format:   c.PostForm("format"),
	}
	if raw := strings.TrimSpace(c.PostForm("search")); raw != "" {
		search := formBool(raw)
		opts.Search = &search
	}

	resp, httpErr := h.diagnose(c, data, opts)
	if httpErr != nil {
		abortWithError(c, httpErr)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// StartSession opens a capture session.
func (h *Handler) StartSession(c *gin.Context) {
	sess, err := h.sessionSvc.Start(c.Request.Context())
	if err != nil {
		abortWithError(c, sessionError(err))
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// GetSession returns the session state.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessionSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, sessionError(err))
		return
	}
	c.JSON(http.StatusOK, sess)
}

// CaptureImage stores the photo for a session and switches it to the result state.
func (h *Handler) CaptureImage(c *gin.Context) {
	data, httpErr := h.readUpload(c)
	if httpErr != nil {
		abortWithError(c, httpErr)
		return
	}
	sess, err := h.sessionSvc.Capture(c.Request.Context(), c.Param("id"), data)
	if err != nil {
		abortWithError(c, sessionError(err))
		return
	}
	c.JSON(http.StatusOK, sess)
}

// SessionImage streams the captured photo back.
func (h *Handler) SessionImage(c *gin.Context) {
	img, err := h.sessionSvc.Image(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, sessionError(err))
		return
	}
	c.Data(http.StatusOK, img.Ref.ContentType, img.Data)
}

// ResetSession discards the photo ("scan new plant").
func (h *Handler) ResetSession(c *gin.Context) {
	sess, err := h.sessionSvc.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, sessionError(err))
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DiagnoseSession diagnoses the session's captured photo.
func (h *Handler) DiagnoseSession(c *gin.Context) {
	var opts diagnoseOptions
	if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, NewHTTPError(http.StatusBadRequest, "invalid_request", errMessage(err), err))
		return
	}

	id := c.Param("id")
	img, err := h.sessionSvc.Image(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, sessionError(err))
		return
	}

	resp, httpErr := h.diagnose(c, img.Data, opts)
	if httpErr != nil {
		abortWithError(c, httpErr)
		return
	}
	resp.SessionID = id
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) diagnose(c *gin.Context, data []byte, opts diagnoseOptions) (diagnosisResponse, *HTTPError) {
	format := imageproc.NormalizeFormat(opts.Format)
	if opts.Annotate && format != imageproc.FormatJPEG && format != imageproc.FormatPNG && format != imageproc.FormatWebP {
		return diagnosisResponse{}, NewHTTPError(http.StatusBadRequest, "invalid_request", "format must be jpeg, png or webp", nil)
	}

	loaded, err := imageproc.Load(data, h.imageOpts)
	if err != nil {
		return diagnosisResponse{}, diagnosisError(err)
	}

	result, err := h.diagnosisSvc.Diagnose(c.Request.Context(), diagnosis.Request{
		Image:        loaded.Model,
		City:         opts.City,
		EnableSearch: opts.Search,
	})
	if err != nil {
		return diagnosisResponse{}, diagnosisError(err)
	}

	resp := diagnosisResponse{
		City:       result.City,
		Weather:    string(result.Weather),
		Result:     h.presentResult(result.Result),
		Region:     result.Region,
		Image:      imageDims{Width: loaded.Model.Width, Height: loaded.Model.Height},
		TokenUsage: result.TokenUsage,
	}
	if opts.Annotate {
		var buf bytes.Buffer
		if err := imageproc.Encode(&buf, imageproc.Annotate(loaded.Original, result.Region), format, h.imageOpts.JPEGQuality); err != nil {
			return diagnosisResponse{}, NewHTTPError(http.StatusInternalServerError, "annotation_failed", "could not render annotated image", err)
		}
		resp.AnnotatedImage = &annotatedImage{
			ContentType: imageproc.ContentType(format),
			Data:        base64.StdEncoding.EncodeToString(buf.Bytes()),
		}
	}
	return resp, nil
}

// presentResult sanitizes provider-rendered grounding HTML before it reaches a browser.
func (h *Handler) presentResult(result diagnosis.Result) diagnosis.Result {
	if h.sanitizer == nil || len(result.GroundingSnippets) == 0 {
		return result
	}
	snippets := make([]string, 0, len(result.GroundingSnippets))
	for _, snippet := range result.GroundingSnippets {
		snippets = append(snippets, h.sanitizer.Sanitize(snippet))
	}
	result.GroundingSnippets = snippets
	return result
}

// readUpload accepts either a multipart "image" field or a raw image body.
func (h *Handler) readUpload(c *gin.Context) ([]byte, *HTTPError) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		var file *multipart.FileHeader
		file, err = c.FormFile("image")
		if err == nil {
			if file.Size > h.maxUploadBytes {
				return nil, tooLarge(h.maxUploadBytes, nil)
			}
			data, err = readFormFile(file)
		}
	} else {
		data, err = io.ReadAll(c.Request.Body)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge(h.maxUploadBytes, err)
		}
		return nil, NewHTTPError(http.StatusBadRequest, "invalid_request", "image upload is required", err)
	}
	if int64(len(data)) > h.maxUploadBytes {
		return nil, tooLarge(h.maxUploadBytes, nil)
	}
	if len(data) == 0 {
		return nil, NewHTTPError(http.StatusBadRequest, "invalid_request", "image upload is empty", nil)
	}
	return data, nil
}

func readFormFile(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func tooLarge(limit int64, err error) *HTTPError {
	return NewHTTPError(http.StatusRequestEntityTooLarge, "payload_too_large",
		"image exceeds "+strconv.FormatInt(limit, 10)+" bytes", err)
}

func diagnosisError(err error) *HTTPError {
	return fromAppError(err, "diagnosis_failed")
}

func sessionError(err error) *HTTPError {
	return fromAppError(err, "session_failed")
}

func formBool(v string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && parsed
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
