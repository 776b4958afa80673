package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/kdavis-mozilla/kaldi-gstreamer-server/errors"
)

// ReferenceEntry is one stored reference transcript.
type ReferenceEntry struct {
	Content string `json:"content"`
	UserID  string `json:"user_id"`
}

// ReferenceStore persists reference transcripts in a single JSON file
// mapping content-id to entry.
//
// Updates are read-modify-write cycles serialized behind one mutex, and the
// file is replaced via temp-file + rename so a failed write leaves the last
// good state on disk.
type ReferenceStore struct {
	path   string
	logger *zap.SugaredLogger

	mu sync.Mutex
}

// NewReferenceStore creates a store backed by the given file path. The file
// is created lazily on first save.
func NewReferenceStore(path string, log *zap.SugaredLogger) *ReferenceStore {
	return &ReferenceStore{path: path, logger: log}
}

// Save inserts or replaces the entry for contentID.
func (st *ReferenceStore) Save(contentID string, entry ReferenceEntry) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	refs := st.load()
	refs[contentID] = entry

	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal reference content")
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return errors.Wrapf(err, "failed to replace %s", st.path)
	}
	return nil
}

// load reads the current file. Missing or corrupt content degrades to an
// empty map; the next save rewrites the file whole.
func (st *ReferenceStore) load() map[string]ReferenceEntry {
	refs := make(map[string]ReferenceEntry)

	data, err := os.ReadFile(st.path)
	if err != nil {
		return refs
	}
	if err := json.Unmarshal(data, &refs); err != nil {
		st.logger.Warnw("Reference file unparseable, starting fresh",
			"path", st.path,
			"error", err,
		)
		return make(map[string]ReferenceEntry)
	}
	return refs
}

// HandleReference serves the reference-transcript endpoint: POST stores a
// transcript, OPTIONS answers the CORS preflight for browser uploaders.
func (s *MasterServer) HandleReference(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleReferencePost(w, r)
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Max-Age", "1000")
		// '*' is not valid for Access-Control-Allow-Headers
		w.Header().Set("Access-Control-Allow-Headers",
			"origin, x-csrftoken, content-type, accept, User-Id, Content-Id")
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *MasterServer) handleReferencePost(w http.ResponseWriter, r *http.Request) {
	contentID := r.Header.Get("Content-Id")
	if contentID == "" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("No Content-Id specified"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	userID := r.Header.Get("User-Id")
	if err := s.refStore.Save(contentID, ReferenceEntry{
		Content: string(body),
		UserID:  userID,
	}); err != nil {
		s.logger.Errorw("Failed to save reference content",
			"content_id", contentID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Failed to save reference content")
		return
	}

	s.logger.Infow("Received reference text",
		"content_id", contentID,
		"user_id", userID,
	)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
}
