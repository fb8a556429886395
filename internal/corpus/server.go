package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Dir is a directory of capture files, one .json file per capture with
// the capture ID as the file name. It serves as a local replay source
// and as the backing store of the HTTP server.
type Dir struct {
	root string
}

func OpenDir(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("corpus dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("corpus dir: %s is not a directory", root)
	}
	return &Dir{root: root}, nil
}

// List returns capture IDs sorted lexically, paged by offset and length.
func (d *Dir) List(_ context.Context, offset, length int) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	end := offset + length
	if length <= 0 || end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end], nil
}

// Fetch returns the raw capture document for id.
func (d *Dir) Fetch(_ context.Context, id string) ([]byte, error) {
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return nil, fmt.Errorf("invalid capture id %q", id)
	}
	raw, err := os.ReadFile(filepath.Join(d.root, id+".json"))
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Put archives a capture document under id.
func (d *Dir) Put(id string, raw []byte) error {
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return fmt.Errorf("invalid capture id %q", id)
	}
	return os.WriteFile(filepath.Join(d.root, id+".json"), raw, 0o644)
}

// Server exposes a capture directory over the corpus HTTP protocol.
type Server struct {
	dir *Dir
	log *zap.Logger
}

func NewServer(dir *Dir, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{dir: dir, log: log}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/captures", s.list)
	mux.HandleFunc("/captures/", s.fetch)
}

func (s *Server) list(w http.ResponseWriter, req *http.Request) {
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	length, _ := strconv.Atoi(req.URL.Query().Get("length"))
	if offset < 0 {
		offset = 0
	}

	all, err := s.dir.List(req.Context(), 0, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	page, err := s.dir.List(req.Context(), offset, length)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, listResponse{IDs: page, Total: len(all)})
}

func (s *Server) fetch(w http.ResponseWriter, req *http.Request) {
	id, err := url.PathUnescape(strings.TrimPrefix(req.URL.Path, "/captures/"))
	if err != nil || id == "" {
		http.Error(w, "missing capture id", http.StatusBadRequest)
		return
	}
	raw, err := s.dir.Fetch(req.Context(), id)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(w, req)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		s.log.Warn("write capture", zap.String("capture_id", id), zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("write json", zap.Error(err))
	}
}
