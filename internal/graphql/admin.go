package graphql

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/moronhi-ecddigital/graphql/internal/apq"
	"github.com/moronhi-ecddigital/graphql/internal/cache"
)

// AdminPrefix is where NewAdminHandler expects to be mounted.
const AdminPrefix = "/admin/graphql"

// AdminHandler provides the admin API for the GraphQL endpoint.
type AdminHandler struct {
	handler *Handler
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(handler *Handler, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{handler: handler, logger: logger}
}

// ServeHTTP handles admin API requests.
func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, AdminPrefix), "/")

	switch {
	case path == "/stats":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleStats(w, r)

	case path == "/strategies":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleStrategies(w, r)

	case strings.HasPrefix(path, "/queries/"):
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleQuery(w, r, strings.TrimPrefix(path, "/queries/"))

	case path == "/cache":
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handlePurge(w, r)

	default:
		http.NotFound(w, r)
	}
}

type adminStats struct {
	Stats
	RegistrySize *int         `json:"registry_size,omitempty"`
	Cache        *cache.Stats `json:"cache,omitempty"`
}

func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	out := adminStats{Stats: h.handler.GetStats()}

	for _, s := range h.handler.Chain().Strategies() {
		if a, ok := s.(*apq.Automatic); ok {
			n, err := a.Registry().Len(r.Context())
			if err != nil {
				h.logger.Warn("failed to count persisted queries", "error", err)
				break
			}
			out.RegistrySize = &n
			break
		}
	}

	if c := h.handler.Cache(); c != nil {
		s := c.Stats()
		out.Cache = &s
	}

	writeAdminJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	names := []string{}
	for _, s := range h.handler.Chain().Strategies() {
		names = append(names, s.Name())
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"strategies": names})
}

func (h *AdminHandler) handleQuery(w http.ResponseWriter, r *http.Request, hash string) {
	if hash == "" {
		http.NotFound(w, r)
		return
	}

	doc, err := h.handler.Chain().Resolve(r.Context(), apq.Lookup{Hash: hash})
	switch {
	case errors.Is(err, apq.ErrPersistedQueryNotFound), errors.Is(err, apq.ErrPersistedQueryNotSupported):
		writeAdminJSON(w, http.StatusNotFound, map[string]string{"error": apq.ErrPersistedQueryNotFound.Error()})
	case err != nil:
		h.logger.Error("persisted query lookup failed", "hash", hash, "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
	default:
		writeAdminJSON(w, http.StatusOK, map[string]string{"hash": doc.Hash, "query": doc.Body})
	}
}

func (h *AdminHandler) handlePurge(w http.ResponseWriter, r *http.Request) {
	c := h.handler.Cache()
	if c == nil {
		writeAdminJSON(w, http.StatusOK, map[string]int{"purged": 0})
		return
	}

	hash := r.URL.Query().Get("hash")
	var (
		n   int
		err error
	)
	if hash != "" {
		n, err = h.handler.PurgeQuery(r.Context(), hash)
	} else {
		n, err = c.Purge(r.Context())
	}
	if err != nil {
		h.logger.Error("cache purge failed", "hash", hash, "error", err)
		writeAdminJSON(w, http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		return
	}
	h.logger.Info("response cache purged", "hash", hash, "entries", n)
	writeAdminJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func writeAdminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
