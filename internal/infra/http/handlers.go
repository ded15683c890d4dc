package http

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"imgate/internal/domain"
	"imgate/internal/infra/c2pa"

	"github.com/gin-gonic/gin"
)

// maxManifestUpload bounds the body accepted by the manifest parser.
const maxManifestUpload = 50 << 20

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type downloadResponse struct {
	domain.DownloadInfo
	AssetID string `json:"assetId"`
	Payer   string `json:"payer"`
	TxRef   string `json:"txRef"`
}

type accessResponse struct {
	HasAccess bool       `json:"hasAccess"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	TxRef     string     `json:"txRef,omitempty"`
	Path      string     `json:"path"`
}

type registerRequest struct {
	AssetID string `json:"assetId"`
	Payer   string `json:"payer"`
	TxHash  string `json:"txHash"`
}

type registerResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expiresAt"`
	TxRef     string    `json:"txRef"`
	Path      string    `json:"path"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": s.cfg.DatabaseDriver})
}

func (s *Server) handleDownload(c *gin.Context) {
	if s.delivery == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "delivery is not configured")
		return
	}
	req := domain.DeliverRequest{
		AssetID: c.Query("assetId"),
		Slug:    c.Query("slug"),
		Payer:   c.Query("payer"),
		TxRef:   c.Query("txRef"),
		Mode:    domain.DeliverMode(c.DefaultQuery("mode", string(domain.DeliverModeInfo))),
	}
	if !s.enforceRateLimit(c, routeDownload, req.Payer) {
		return
	}
	delivery, err := s.delivery.Deliver(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	if delivery.File != nil {
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": delivery.File.Filename})
		if disposition == "" {
			disposition = "attachment"
		}
		c.Header("Content-Disposition", disposition)
		c.Header("X-Provenance-Status", string(delivery.File.SigningStatus))
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, delivery.File.ContentType, delivery.File.Bytes)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, downloadResponse{
		DownloadInfo: *delivery.Info,
		AssetID:      delivery.Purchase.AssetID,
		Payer:        delivery.Purchase.Payer,
		TxRef:        delivery.Purchase.TxRef,
	})
}

func (s *Server) handleAccess(c *gin.Context) {
	if s.access == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "access checks are not configured")
		return
	}
	payer := c.Query("payer")
	if !s.enforceRateLimit(c, routeAccess, payer) {
		return
	}
	decision, err := s.access.Check(c.Request.Context(), domain.AccessRequest{
		AssetID: c.Query("assetId"),
		Payer:   payer,
		TxRef:   c.Query("txRef"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := accessResponse{HasAccess: decision.Granted, Path: decision.Path}
	if decision.Granted && decision.Purchase != nil {
		expires := decision.Purchase.ExpiresAt
		out.ExpiresAt = &expires
		out.TxRef = decision.Purchase.TxRef
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRegisterPurchase(c *gin.Context) {
	if s.access == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "access checks are not configured")
		return
	}
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}
	if !s.enforceRateLimit(c, routeRegister, req.Payer) {
		return
	}
	decision, err := s.access.Register(c.Request.Context(), domain.AccessRequest{
		AssetID: req.AssetID,
		Payer:   req.Payer,
		TxRef:   req.TxHash,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !decision.Granted || decision.Purchase == nil {
		writeErrorCode(c, http.StatusForbidden, "PAYMENT_NOT_VERIFIED", "valid payment not found in transaction")
		return
	}
	c.JSON(http.StatusOK, registerResponse{
		Success:   true,
		ExpiresAt: decision.Purchase.ExpiresAt,
		TxRef:     decision.Purchase.TxRef,
		Path:      decision.Path,
	})
}

func (s *Server) handleListPurchases(c *gin.Context) {
	if s.purchases == nil {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "purchase listing is not configured")
		return
	}
	payer := strings.TrimSpace(c.Query("payer"))
	if payer == "" {
		s.writeError(c, domain.ErrMalformedInput)
		return
	}
	list, err := s.purchases.ListByPayer(c.Request.Context(), payer)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": list})
}

func (s *Server) handleParseManifest(c *gin.Context) {
	data, err := readUpload(c)
	if err != nil {
		writeErrorCode(c, http.StatusBadRequest, "MALFORMED_INPUT", err.Error())
		return
	}
	c.JSON(http.StatusOK, c2pa.ParseManifest(data))
}

// readUpload accepts either a multipart "file" field or a raw body.
func readUpload(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxManifestUpload)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, errors.New("file field is required")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.New("could not read request body")
	}
	if len(data) == 0 {
		return nil, errors.New("image body is required")
	}
	return data, nil
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	switch {
	case errors.Is(err, domain.ErrMalformedInput):
		status, code, message = http.StatusBadRequest, "MALFORMED_INPUT", err.Error()
	case errors.Is(err, domain.ErrIntegrity):
		status, code, message = http.StatusBadRequest, "INTEGRITY_ERROR", "stored asset failed integrity verification"
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "no active purchase for this asset"
	case errors.Is(err, domain.ErrNotFound):
		status, code, message = http.StatusNotFound, "NOT_FOUND", "asset not found"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		status, code, message = http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "upstream service unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		status, code, message = http.StatusGatewayTimeout, "TIMEOUT", "request timed out"
	}
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
