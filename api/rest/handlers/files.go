package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flaccy/storage"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// FileOptions tunes artifact delivery
type FileOptions struct {
	// AccelRedirectPrefix hands file delivery to a fronting proxy when set
	AccelRedirectPrefix string
	PublicURL           string
	DefaultTTL          time.Duration
	MaxTTL              time.Duration
}

// FileHandler serves stored artifacts and issues signed links
type FileHandler struct {
	backend    storage.Backend
	authorizer *storage.Authorizer
	opts       FileOptions
	logger     *zap.Logger
}

// NewFileHandler creates a new file handler
func NewFileHandler(backend storage.Backend, authorizer *storage.Authorizer, opts FileOptions, logger *zap.Logger) *FileHandler {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = storage.DefaultLinkTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{backend: backend, authorizer: authorizer, opts: opts, logger: logger}
}

// displayName recovers the original file name from a key of the form {job}_{random}_{name}
func displayName(key string) string {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) == 3 && parts[2] != "" {
		return parts[2]
	}
	return key
}

// ServeFile handles GET /files/{name}
func (h *FileHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["name"]
	ctx := r.Context()

	// Step 1: The artifact must exist
	info, err := h.backend.Stat(ctx, key)
	if err != nil {
		if statusFor(err) != http.StatusNotFound {
			h.logger.Error("Failed to stat artifact", zap.String("key", key), zap.Error(err))
		}
		writeError(w, statusFor(err), "file not found")
		return
	}

	// Step 2: Token or manifest membership
	if err := h.authorizer.Authorize(ctx, key, r.URL.Query().Get("token")); err != nil {
		if errors.Is(err, storage.ErrForbidden) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		h.logger.Error("Failed to authorize download", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to authorize download")
		return
	}

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": displayName(key)}))

	// Step 3: Delegate to the proxy, or stream the bytes ourselves
	if _, local := h.backend.(storage.LocalPather); local && h.opts.AccelRedirectPrefix != "" {
		w.Header().Set("X-Accel-Redirect", strings.TrimRight(h.opts.AccelRedirectPrefix, "/")+"/"+url.PathEscape(key))
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, _, err := h.backend.Open(ctx, key)
	if err != nil {
		writeError(w, statusFor(err), "file not found")
		return
	}
	defer rc.Close()

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, displayName(key), info.ModTime, rs)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug("Artifact download interrupted", zap.String("key", key), zap.Error(err))
	}
}

// SignRequest is the body of POST /files/{name}/sign
type SignRequest struct {
	TTL int `json:"ttl"` // Seconds
}

// SignFile handles POST /files/{name}/sign
func (h *FileHandler) SignFile(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["name"]

	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := storage.ValidateKey(key); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	found, err := h.authorizer.InManifest(r.Context(), key)
	if err != nil {
		h.logger.Error("Failed to look up artifact", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to look up file")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	if ttl <= 0 {
		ttl = h.opts.DefaultTTL
	}
	if h.opts.MaxTTL > 0 && ttl > h.opts.MaxTTL {
		ttl = h.opts.MaxTTL
	}

	token, err := h.authorizer.Signer().Sign(key, ttl)
	if err != nil {
		writeError(w, statusFor(err), "failed to sign link")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"signed_url": h.baseURL(r) + "/files/" + url.PathEscape(key) + "?token=" + url.QueryEscape(token),
		"ttl":        int(ttl.Seconds()),
	})
}

func (h *FileHandler) baseURL(r *http.Request) string {
	if h.opts.PublicURL != "" {
		return strings.TrimRight(h.opts.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}
