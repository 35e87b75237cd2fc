// Package remotetest provides an in-process stub of the hosted backend. It
// serves the same CRUD-per-collection surface as the production API and can
// simulate outages, so the sync paths can be exercised without a network.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// Server is a fake document store behind a chi router.
type Server struct {
	mu     sync.Mutex
	tables map[string]map[string]json.RawMessage

	down     atomic.Bool
	requests atomic.Int64

	router chi.Router
}

// NewServer creates an empty stub backend.
func NewServer() *Server {
	s := &Server{tables: make(map[string]map[string]json.RawMessage)}

	r := chi.NewRouter()
	r.Head("/health", s.handleHealth)
	r.Get("/health", s.handleHealth)
	r.Post("/{table}", s.handleInsert)
	r.Get("/{table}", s.handleList)
	r.Get("/{table}/{key}", s.handleGet)
	r.Patch("/{table}/{key}", s.handleUpdate)
	r.Delete("/{table}/{key}", s.handleDelete)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.down.Load() {
		// Connection-level failures can't be faked in-process; a 503 maps
		// to the connectivity class in the client's taxonomy.
		http.Error(w, "stub backend offline", http.StatusServiceUnavailable)
		return
	}
	s.router.ServeHTTP(w, r)
}

// SetDown toggles simulated unreachability.
func (s *Server) SetDown(down bool) {
	s.down.Store(down)
}

// Requests returns the number of requests received, including refused ones.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Seed stores a document directly, bypassing HTTP.
func (s *Server) Seed(table, key string, doc json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]json.RawMessage)
	}
	s.tables[table][key] = append(json.RawMessage(nil), doc...)
}

// Get reads a document directly, bypassing HTTP.
func (s *Server) Get(table, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.tables[table][key]
	return doc, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid document", http.StatusBadRequest)
		return
	}

	key := docKey(doc)
	if key == "" {
		http.Error(w, "document missing id", http.StatusUnprocessableEntity)
		return
	}

	raw, _ := json.Marshal(doc)

	s.mu.Lock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]json.RawMessage)
	}
	if _, exists := s.tables[table][key]; exists {
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("duplicate id %q", key), http.StatusConflict)
		return
	}
	s.tables[table][key] = raw
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, raw)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")

	s.mu.Lock()
	keys := make([]string, 0, len(s.tables[table]))
	for k := range s.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	docs := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		docs = append(docs, s.tables[table][k])
	}
	s.mu.Unlock()

	raw, _ := json.Marshal(docs)
	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")

	doc, ok := s.Get(table, key)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")

	var overlay map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&overlay); err != nil {
		http.Error(w, "invalid document", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	existing, ok := s.tables[table][key]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(existing, &doc); err != nil {
		s.mu.Unlock()
		http.Error(w, "stored document corrupt", http.StatusInternalServerError)
		return
	}
	for k, v := range overlay {
		doc[k] = v
	}
	raw, _ := json.Marshal(doc)
	s.tables[table][key] = raw
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, raw)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")

	s.mu.Lock()
	_, ok := s.tables[table][key]
	delete(s.tables[table], key)
	s.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// docKey extracts the document's primary key.
func docKey(doc map[string]json.RawMessage) string {
	raw, ok := doc["id"]
	if !ok {
		return ""
	}
	var key string
	if err := json.Unmarshal(raw, &key); err == nil {
		return key
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}
