package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/qrf/internal/ingest"
	"github.com/kalambet/qrf/internal/settings"
	"github.com/kalambet/qrf/internal/storage"
	"github.com/kalambet/qrf/internal/worldbook"
)

const maxImportBodySize = 10 << 20 // 10MB

// ImportRequest is the body of POST /worldbooks/import. Content is plain
// text unless Encoding is "base64" (for PDF uploads).
type ImportRequest struct {
	Book        string `json:"book"`
	Format      string `json:"format"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	CharacterID string `json:"character_id"`
}

type AppDeps struct {
	Store    *storage.Store
	Settings *settings.Manager
	Token    string
}

// NewAppHandler returns the management API. Every route requires the
// bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/settings", handleGetSettings(deps))
	r.Put("/settings", handlePutSettings(deps))
	r.Put("/settings/keys/{key}", handleSaveSetting(deps))
	r.Get("/settings/character/{characterID}", handleEffectiveSettings(deps))
	r.Put("/settings/character/{characterID}/{key}", handleSetCharacterKey(deps))

	r.Get("/presets", handleListPresets(deps))
	r.Post("/presets", handleImportPresets(deps))
	r.Get("/presets/{name}", handleExportPreset(deps))
	r.Delete("/presets/{name}", handleDeletePreset(deps))
	r.Post("/presets/{name}/select", handleSelectPreset(deps))
	r.Post("/presets/deselect", handleDeselectPreset(deps))

	r.Get("/worldbooks", handleListBooks(deps))
	r.Post("/worldbooks/import", handleImportWorldbook(deps))
	r.Get("/worldbooks/{book}/entries", handleListEntries(deps))
	r.Post("/worldbooks/{book}/entries", handleAddEntry(deps))
	r.Post("/worldbooks/{book}/reindex", handleReindex(deps))
	r.Get("/characters/{characterID}/books", handleGetCharacterBooks(deps))
	r.Put("/characters/{characterID}/books", handleSetCharacterBooks(deps))

	r.Get("/jobs/{id}", handleGetJob(deps))

	return r
}

func handleGetSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Global()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handlePutSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		s := settings.Defaults()
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Settings.SaveGlobal(s); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

// handleSaveSetting stores one key with the same scope routing the
// settings panel uses. The optional character_id query parameter names
// the active character.
func handleSaveSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, ok := readRawJSON(w, r)
		if !ok {
			return
		}
		err := deps.Settings.SaveSetting(r.URL.Query().Get("character_id"), chi.URLParam(r, "key"), value)
		switch {
		case errors.Is(err, settings.ErrUnknownKey):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save setting: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleEffectiveSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Effective(chi.URLParam(r, "characterID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve settings: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func handleSetCharacterKey(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, ok := readRawJSON(w, r)
		if !ok {
			return
		}
		if err := deps.Settings.SetCharacterKey(chi.URLParam(r, "characterID"), chi.URLParam(r, "key"), value); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to set character key: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func readRawJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
		return nil, false
	}
	if !json.Valid(body) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be a JSON value")
		return nil, false
	}
	return json.RawMessage(body), true
}

func handleListPresets(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presets, err := deps.Settings.ListPresets()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list presets: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, presets)
	}
}

func handleImportPresets(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		res, err := deps.Settings.ImportPresets(body)
		if errors.Is(err, settings.ErrInvalidPresets) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to import presets: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleExportPreset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		b, err := deps.Settings.ExportPreset(name)
		if errors.Is(err, settings.ErrPresetNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "preset not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to export preset: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="qrf_preset_`+sanitizeFilename(name)+`.json"`)
		w.Write(b)
	}
}

func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '/', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func handleDeletePreset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Settings.DeletePreset(chi.URLParam(r, "name"))
		if errors.Is(err, settings.ErrPresetNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "preset not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete preset: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type selectBody struct {
	CharacterID string `json:"character_id"`
}

func decodeSelect(w http.ResponseWriter, r *http.Request) (selectBody, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var body selectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return body, false
	}
	return body, true
}

func handleSelectPreset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeSelect(w, r)
		if !ok {
			return
		}
		err := deps.Settings.SelectPreset(body.CharacterID, chi.URLParam(r, "name"))
		if errors.Is(err, settings.ErrPresetNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "preset not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to select preset: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "selected"})
	}
}

func handleDeselectPreset(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodeSelect(w, r)
		if !ok {
			return
		}
		if err := deps.Settings.SelectPreset(body.CharacterID, ""); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to deselect preset: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deselected"})
	}
}

func handleListBooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		books, err := deps.Store.ListBooks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list worldbooks: %v", err)
			return
		}
		if books == nil {
			books = []string{}
		}
		writeJSON(w, http.StatusOK, books)
	}
}

func handleImportWorldbook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		var req ImportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		data := []byte(req.Content)
		if req.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			data = decoded
		}

		jobID, err := ingest.EnqueueImport(deps.Store, ingest.ImportPayload{
			Book:        req.Book,
			Format:      worldbook.Format(req.Format),
			Title:       req.Title,
			Data:        data,
			CharacterID: req.CharacterID,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "cannot import: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     jobID,
			"status": "queued",
		})
	}
}

func handleListEntries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Store.LoreEntries(chi.URLParam(r, "book"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entries: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.LoreEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleAddEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		e := storage.LoreEntry{UID: -1, Enabled: true, Order: worldbook.DefaultOrder}
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(e.Content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		e.Book = chi.URLParam(r, "book")

		saved, err := deps.Store.SaveLoreEntries([]storage.LoreEntry{e})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save entry: %v", err)
			return
		}
		if saved[0].Vectorized {
			if _, err := ingest.EnqueueIndex(deps.Store, saved[0].Book); err != nil {
				slog.Warn("queueing vector index failed", "book", saved[0].Book, "error", err)
			}
		}
		writeJSON(w, http.StatusCreated, saved[0])
	}
}

func handleReindex(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := ingest.EnqueueIndex(deps.Store, chi.URLParam(r, "book"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue index: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     jobID,
			"status": "queued",
		})
	}
}

func handleGetCharacterBooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		books, err := deps.Store.CharacterBooks(chi.URLParam(r, "characterID"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load books: %v", err)
			return
		}
		if books == nil {
			books = []string{}
		}
		writeJSON(w, http.StatusOK, books)
	}
}

func handleSetCharacterBooks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var books []string
		if err := json.NewDecoder(r.Body).Decode(&books); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Store.SetCharacterBooks(chi.URLParam(r, "characterID"), books); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save books: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Store.GetJob(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         job.ID,
			"type":       job.Type,
			"status":     job.Status,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
		})
	}
}
