package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sydlexius/linkpreview/internal/backup"
	"github.com/sydlexius/linkpreview/internal/fetcher"
	"github.com/sydlexius/linkpreview/internal/opengraph"
	"github.com/sydlexius/linkpreview/internal/preview"
	"github.com/sydlexius/linkpreview/internal/selector"
	"github.com/sydlexius/linkpreview/internal/store"
	"github.com/sydlexius/linkpreview/internal/version"
)

const maxBodyBytes = 64 << 10

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"commit":  version.Commit,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// openGraphResponse is the page's OpenGraph document plus the chosen image.
type openGraphResponse struct {
	*opengraph.OpenGraph
	BestImage string `json:"best_image,omitempty"`
}

func newOpenGraphResponse(p *store.Preview) openGraphResponse {
	// A page that could not be scraped answers with an empty document
	// carrying only its URL.
	if p.Failed || p.Data == nil {
		return openGraphResponse{OpenGraph: &opengraph.OpenGraph{URL: p.URL}}
	}
	og := *p.Data
	if og.URL == "" {
		og.URL = p.URL
	}
	return openGraphResponse{OpenGraph: &og, BestImage: p.BestImage}
}

func (r *Router) handleOpenGraphPost(w http.ResponseWriter, req *http.Request) {
	var body struct {
		URL     string `json:"url"`
		Refresh bool   `json:"refresh"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	r.servePreview(w, req, body.URL, body.Refresh)
}

func (r *Router) handleOpenGraphGet(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	refresh, _ := strconv.ParseBool(q.Get("refresh"))
	r.servePreview(w, req, q.Get("url"), refresh)
}

func (r *Router) servePreview(w http.ResponseWriter, req *http.Request, rawURL string, refresh bool) {
	if rawURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	p, err := r.previews.Get(req.Context(), rawURL, preview.GetOptions{Refresh: refresh})
	if err != nil {
		r.writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(maxAge(p)))
	writeJSON(w, http.StatusOK, newOpenGraphResponse(p))
}

func maxAge(p *store.Preview) int {
	secs := int(time.Until(p.ExpiresAt).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

func (r *Router) handleOpenGraphDelete(w http.ResponseWriter, req *http.Request) {
	rawURL := req.URL.Query().Get("url")
	if rawURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	if err := r.previews.Invalidate(req.Context(), rawURL); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleThumbnail(w http.ResponseWriter, req *http.Request) {
	rawURL := req.URL.Query().Get("url")
	if rawURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url is required"})
		return
	}
	data, contentType, err := r.previews.Thumbnail(req.Context(), rawURL)
	if err != nil {
		r.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

type selectRequest struct {
	Target     *selector.Point           `json:"target"`
	Candidates []selectCandidate         `json:"candidates"`
	Dimensions map[string]selector.Point `json:"dimensions"`
}

type selectCandidate struct {
	URL       string `json:"url"`
	SecureURL string `json:"secure_url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (r *Router) handleSelect(w http.ResponseWriter, req *http.Request) {
	var body selectRequest
	if !decodeBody(w, req, &body) {
		return
	}

	target := r.previews.Target()
	if body.Target != nil {
		if !body.Target.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("target must be between 1x1 and %dx%d", selector.MaxDimension, selector.MaxDimension),
			})
			return
		}
		target = *body.Target
	}
	images := make([]selector.Image, len(body.Candidates))
	for i, c := range body.Candidates {
		images[i] = selector.Image(c)
	}

	best, ok := selector.BestImage(target, images, selector.DimensionLookup(body.Dimensions))
	resp := map[string]any{"target": target, "found": ok}
	if ok {
		resp["best_image"] = best.Locator()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleCreateEmbeds(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, req, &body) {
		return
	}
	embeds, err := r.previews.ForPost(req.Context(), req.PathValue("id"), body.Message)
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"post_id": req.PathValue("id"), "embeds": embeds})
}

func (r *Router) handleListEmbeds(w http.ResponseWriter, req *http.Request) {
	embeds, err := r.previews.StoredEmbeds(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"post_id": req.PathValue("id"), "embeds": embeds})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	resp := map[string]any{}
	if r.stats != nil {
		resp["events"] = r.stats.Snapshot()
	}
	if r.maintenanceService != nil {
		st, err := r.maintenanceService.Status(req.Context())
		if err != nil {
			r.logger.Error("getting maintenance status", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		resp["cache"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handlePrune(w http.ResponseWriter, req *http.Request) {
	if r.maintenanceService == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance service not available"})
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
	defer cancel()

	res, err := r.maintenanceService.Prune(ctx)
	if err != nil {
		r.logger.Error("prune failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "prune failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleBackup(w http.ResponseWriter, req *http.Request) {
	if r.backupService == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "backups not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Minute)
	defer cancel()

	info, err := r.backupService.Backup(ctx)
	if err != nil {
		r.logger.Error("backup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "backup failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (r *Router) handleListBackups(w http.ResponseWriter, req *http.Request) {
	if r.backupService == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "backups not configured"})
		return
	}
	backups, err := r.backupService.List()
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (r *Router) handleDeleteBackup(w http.ResponseWriter, req *http.Request) {
	if r.backupService == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "backups not configured"})
		return
	}
	err := r.backupService.Delete(req.PathValue("name"))
	switch {
	case errors.Is(err, backup.ErrInvalidName):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, os.ErrNotExist):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
	case err != nil:
		r.writeError(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeError maps service errors to status codes.
func (r *Router) writeError(w http.ResponseWriter, err error) {
	var upstream *fetcher.ErrUpstream
	switch {
	case errors.Is(err, fetcher.ErrInvalidURL):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, fetcher.ErrBlockedAddress):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "address not allowed"})
	case errors.Is(err, preview.ErrNoImage):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		r.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
