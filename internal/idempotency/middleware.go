package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
)

// maxFingerprintBody caps how much of a request body is read for
// fingerprinting; the dispatch surface rejects larger queries anyway.
const maxFingerprintBody = 1 << 20

// Middleware replays stored dispatch replies for retried requests.
// Requests without an Idempotency-Key pass through. A replayed reply
// carries Idempotency-Replay: true and the original X-Request-ID, so a
// retried query never double-dispatches or double-bills. Only
// successful replies are stored: a failed dispatch stays retryable.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxFingerprintBody))
			if err != nil {
				http.Error(w, "cannot read body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			sum := sha256.Sum256(body)
			fingerprint := hex.EncodeToString(sum[:])

			reply, conflict, ok := store.Lookup(key, fingerprint)
			if conflict {
				writeConflict(w)
				return
			}
			if ok {
				if reply.ContentType != "" {
					w.Header().Set("Content-Type", reply.ContentType)
				}
				if reply.RequestID != "" {
					w.Header().Set("X-Request-ID", reply.RequestID)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(reply.Status)
				_, _ = w.Write(reply.Body)
				return
			}

			rec := &replyRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Dispatch failures are not bound to the key: the caller
			// retries against a live gateway, not a cached error.
			if rec.status < 200 || rec.status > 299 {
				return
			}
			store.Save(key, Reply{
				Status:      rec.status,
				Body:        rec.body.Bytes(),
				ContentType: rec.Header().Get("Content-Type"),
				RequestID:   rec.Header().Get("X-Request-ID"),
				Fingerprint: fingerprint,
			})
		})
	}
}

func writeConflict(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_, _ = io.WriteString(w,
		`{"error":{"code":409,"name":"INVALID_REQUEST","message":"Idempotency-Key was already used with a different request body"}}`)
}

// replyRecorder tees the response so a successful reply can be stored
// after it has been written to the caller.
type replyRecorder struct {
	http.ResponseWriter
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (r *replyRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *replyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
