package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
)

const maxMessageBytes = 64 << 10

// ServeHTTP is the synchronous form of the control channel: the request body
// is one message and the response body is its reply. Messages that produce
// no reply answer 204.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var (
		mu      sync.Mutex
		replied *Reply
	)
	h.HandleRaw(r.Context(), payload, func(_ context.Context, rep Reply) error {
		mu.Lock()
		defer mu.Unlock()
		replied = &rep
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	if replied == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(replied)
}
