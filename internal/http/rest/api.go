// Package rest exposes the control surface consumed by the presentation
// layer: queue management, search, progress and history.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/ircbooks/fetcher/internal/ebook"
	"github.com/ircbooks/fetcher/internal/logctx"
	"github.com/ircbooks/fetcher/internal/queue"
	"github.com/ircbooks/fetcher/internal/results"
	"github.com/ircbooks/fetcher/internal/storage"
)

type Handler struct {
	client    *ebook.Client
	queue     *queue.Manager
	history   storage.HistoryRepository
	fileTypes []string
}

func NewHandler(client *ebook.Client, q *queue.Manager, history storage.HistoryRepository, fileTypes []string) *Handler {
	return &Handler{
		client:    client,
		queue:     q,
		history:   history,
		fileTypes: fileTypes,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.getStatus)
	r.Get("/progress", h.getProgress)
	r.Get("/queue", h.getQueue)
	r.Post("/queue", h.addToQueue)
	r.Delete("/queue/{index}", h.removeFromQueue)
	r.Post("/queue/{index}/up", h.moveUp)
	r.Post("/queue/{index}/down", h.moveDown)
	r.Post("/queue/cancel", h.cancelCurrent)
	r.Post("/search", h.search)
	r.Post("/users/check", h.checkUsers)
	r.Get("/history", h.getHistory)

	return r
}

type statusResponse struct {
	Mode        string   `json:"mode"`
	Queue       string   `json:"queue"`
	UsersOnline []string `json:"users_online"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, statusResponse{
		Mode:        h.client.Mode().String(),
		Queue:       h.queue.Status(),
		UsersOnline: h.client.UsersOnline(),
	})
}

type progressResponse struct {
	Received      int64   `json:"received"`
	Total         int64   `json:"total"`
	Percentage    float64 `json:"percentage"`
	ReceivedHuman string  `json:"received_human"`
	TotalHuman    string  `json:"total_human"`
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	received, total, pct := h.client.Progress()

	respond(w, http.StatusOK, progressResponse{
		Received:      received,
		Total:         total,
		Percentage:    pct,
		ReceivedHuman: humanize.Bytes(uint64(received)),
		TotalHuman:    humanize.Bytes(uint64(total)),
	})
}

type queueItem struct {
	User     string `json:"user"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type queueResponse struct {
	Items     []queueItem `json:"items"`
	Completed []queueItem `json:"completed"`
	Current   *queueItem  `json:"current,omitempty"`
}

func toQueueItems(items []queue.Item) []queueItem {
	out := make([]queueItem, len(items))
	for i, item := range items {
		out[i] = queueItem{User: item.User, Filename: item.Filename, Status: string(item.Status)}
	}

	return out
}

func (h *Handler) getQueue(w http.ResponseWriter, r *http.Request) {
	resp := queueResponse{
		Items:     toQueueItems(h.queue.Items()),
		Completed: toQueueItems(h.queue.CompletedItems()),
	}

	if current, ok := h.queue.Current(); ok {
		item := queueItem{User: current.User, Filename: current.Filename, Status: string(current.Status)}
		resp.Current = &item
	}

	respond(w, http.StatusOK, resp)
}

type addRequest struct {
	User     string `json:"user"`
	Filename string `json:"filename"`
}

func (h *Handler) addToQueue(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" || req.Filename == "" {
		respondError(w, http.StatusBadRequest, "user and filename are required")

		return
	}

	h.client.RequestBook(req.User, req.Filename)

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) removeFromQueue(w http.ResponseWriter, r *http.Request) {
	h.indexOp(w, r, h.queue.Remove)
}

func (h *Handler) moveUp(w http.ResponseWriter, r *http.Request) {
	h.indexOp(w, r, h.queue.MoveUp)
}

func (h *Handler) moveDown(w http.ResponseWriter, r *http.Request) {
	h.indexOp(w, r, h.queue.MoveDown)
}

func (h *Handler) indexOp(w http.ResponseWriter, r *http.Request, op func(int) bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid index")

		return
	}

	if !op(index) {
		respondError(w, http.StatusNotFound, "index out of range")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelCurrent(w http.ResponseWriter, r *http.Request) {
	h.client.CancelCurrentDownload()

	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	NoResults bool            `json:"no_results"`
	Results   results.Listing `json:"results,omitempty"`
}

// search blocks until the bot answers. Closing the request aborts the wait
// cooperatively; the search slot frees itself.
func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required")

		return
	}

	res, err := h.client.Search(r.Context(), req.Query)
	if err != nil {
		if errors.Is(err, ebook.ErrBusy) {
			respondError(w, http.StatusConflict, "another search or download is in progress")

			return
		}

		logger.Warn("search aborted", "err", err)

		return
	}

	if res.NoResults {
		respond(w, http.StatusOK, searchResponse{NoResults: true})

		return
	}

	respond(w, http.StatusOK, searchResponse{
		Results: results.Parse(r.Context(), res.Path, h.fileTypes),
	})
}

type checkUsersRequest struct {
	Names []string `json:"names"`
}

func (h *Handler) checkUsers(w http.ResponseWriter, r *http.Request) {
	var req checkUsersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	h.client.CheckUsersOnline(req.Names)

	w.WriteHeader(http.StatusAccepted)
}

type historyEntry struct {
	User       string `json:"user"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Bytes      int64  `json:"bytes"`
	FinishedAt string `json:"finished_at"`
}

func (h *Handler) getHistory(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.history.GetDownloads()
	if err != nil {
		logger.Error("failed to read download history", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to read history")

		return
	}

	entries := make([]historyEntry, len(records))
	for i, rec := range records {
		entries[i] = historyEntry{
			User:       rec.User,
			Filename:   rec.Filename,
			Status:     rec.Status,
			Bytes:      rec.Bytes,
			FinishedAt: rec.FinishedAt.Format(time.RFC3339),
		}
	}

	respond(w, http.StatusOK, entries)
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
