package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/catalogsync/internal/cache"
	"github.com/timmy/catalogsync/internal/dedup"
)

// CacheAdmin is the cache surface exposed for operators.
type CacheAdmin interface {
	Evict(ctx context.Context, pattern string, opts cache.EvictOptions) cache.EvictResult
	Decay(ctx context.Context) (cache.DecayResult, error)
}

// OrphanSweeper garbage collects unreferenced blobs and lets operators
// detach a reference by hand.
type OrphanSweeper interface {
	SweepOrphans(ctx context.Context, grace time.Duration) (dedup.SweepResult, error)
	Release(ctx context.Context, originID, hash string) (bool, error)
}

// MaintenanceHandler handles cache and dedup maintenance endpoints.
type MaintenanceHandler struct {
	cache   CacheAdmin
	sweeper OrphanSweeper
}

// NewMaintenanceHandler creates a new maintenance handler.
func NewMaintenanceHandler(c CacheAdmin, sweeper OrphanSweeper) *MaintenanceHandler {
	return &MaintenanceHandler{cache: c, sweeper: sweeper}
}

// EvictRequest is the body of POST /api/v1/cache/evict.
type EvictRequest struct {
	Pattern     string `json:"pattern" binding:"required"`
	PreserveHot bool   `json:"preserve_hot"`
	Threshold   string `json:"threshold" binding:"omitempty,oneof=never very_low low medium high very_high"`
}

// SweepRequest is the body of POST /api/v1/dedup/sweep.
type SweepRequest struct {
	// Grace is a Go duration string; empty uses the configured grace.
	Grace string `json:"grace"`
}

// ReleaseRequest is the body of POST /api/v1/dedup/release.
type ReleaseRequest struct {
	OriginID    string `json:"origin_id" binding:"required"`
	ContentHash string `json:"content_hash" binding:"required,hexadecimal,len=64"`
}

// ReleaseResponse reports whether a mapping was found.
type ReleaseResponse struct {
	Released bool `json:"released"`
}

// Evict handles POST /api/v1/cache/evict.
func (h *MaintenanceHandler) Evict(c *gin.Context) {
	var req EvictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res := h.cache.Evict(c.Request.Context(), req.Pattern, cache.EvictOptions{
		PreserveHot: req.PreserveHot,
		Threshold:   req.Threshold,
	})
	c.JSON(http.StatusOK, res)
}

// Decay handles POST /api/v1/cache/decay.
func (h *MaintenanceHandler) Decay(c *gin.Context) {
	res, err := h.cache.Decay(c.Request.Context())
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Sweep handles POST /api/v1/dedup/sweep.
func (h *MaintenanceHandler) Sweep(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	var grace time.Duration
	if req.Grace != "" {
		d, err := time.ParseDuration(req.Grace)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "grace must be a non-negative duration"})
			return
		}
		grace = d
	}

	res, err := h.sweeper.SweepOrphans(c.Request.Context(), grace)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Release handles POST /api/v1/dedup/release.
func (h *MaintenanceHandler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ok, err := h.sweeper.Release(c.Request.Context(), req.OriginID, req.ContentHash)
	if err != nil {
		writeError(c, err, nil)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no blob for origin and hash"})
		return
	}
	c.JSON(http.StatusOK, ReleaseResponse{Released: true})
}
