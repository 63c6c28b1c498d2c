// Package apitest provides an in-memory implementation of the deployment API
// for tests.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/block/shipit/internal/sha1"
)

// FileSummary mirrors the per-digest entry of a create request.
type FileSummary struct {
	Names []string `json:"names"`
	Size  int64    `json:"size"`
	Mode  uint32   `json:"mode,omitempty"`
}

// CreateRequest is a decoded create-deployment request.
type CreateRequest struct {
	Name    string                 `json:"name"`
	Target  string                 `json:"target,omitempty"`
	Project string                 `json:"project,omitempty"`
	Meta    map[string]string      `json:"meta,omitempty"`
	Version int                    `json:"version"`
	Files   map[string]FileSummary `json:"files"`
	TeamID  string                 `json:"-"`
}

type failure struct {
	status int
	times  int
}

// Server is a fake deployment API.
type Server struct {
	*httptest.Server
	Token string

	lock          sync.Mutex
	blobs         map[string][]byte
	uploads       []string
	negotiations  int
	creates       []CreateRequest
	uploadFails   map[string]*failure
	createFail    *failure
	createCode    string
	inFlight      int
	maxInFlight   int
	uploadDelay   time.Duration
	storeOnFail   bool
	attemptsByURL map[string]int
	userAgents    []string
}

// New starts a fake API that is stopped when the test completes.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Token:         "token_dummy",
		blobs:         map[string][]byte{},
		uploadFails:   map[string]*failure{},
		attemptsByURL: map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/files/missing", s.handleMissing)
	mux.HandleFunc("POST /v2/files", s.handleUpload)
	mux.HandleFunc("POST /v13/deployments", s.handleCreate)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("%s %s was not handled", r.Method, r.URL.Path))
	})
	s.Server = httptest.NewServer(s.authorize(mux))
	t.Cleanup(s.Close)
	return s
}

// Hold marks content as already present on the server.
func (s *Server) Hold(content ...[]byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, c := range content {
		s.blobs[sha1.Sum(c).String()] = c
	}
}

// FailUpload makes the next n uploads of digest fail with status.
func (s *Server) FailUpload(digest sha1.SHA1, status, n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.uploadFails[digest.String()] = &failure{status: status, times: n}
}

// StoreOnFailedUpload stores uploaded content even when the upload is made to
// fail, simulating a concurrent upload by another client.
func (s *Server) StoreOnFailedUpload() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.storeOnFail = true
}

// FailCreate makes the next n create calls fail with status and code.
func (s *Server) FailCreate(status int, code string, n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.createFail = &failure{status: status, times: n}
	s.createCode = code
}

// SlowUploads delays each upload so that concurrency can be observed.
func (s *Server) SlowUploads(delay time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.uploadDelay = delay
}

// Uploads returns the digests uploaded, in completion order.
func (s *Server) Uploads() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.uploads)
}

// UploadAttempts is the number of upload requests for a digest, including failures.
func (s *Server) UploadAttempts(digest sha1.SHA1) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.attemptsByURL[digest.String()]
}

// MaxConcurrentUploads is the highest number of uploads observed in flight at once.
func (s *Server) MaxConcurrentUploads() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.maxInFlight
}

// Negotiations is the number of missing-file requests received.
func (s *Server) Negotiations() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.negotiations
}

// UserAgents returns the User-Agent header of every request received.
func (s *Server) UserAgents() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.userAgents)
}

// Creates returns every successful create request.
func (s *Server) Creates() []CreateRequest {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.creates)
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		s.userAgents = append(s.userAgents, r.Header.Get("User-Agent"))
		s.lock.Unlock()
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeError(w, http.StatusForbidden, "forbidden", "Not authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMissing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []struct {
			SHA  string `json:"sha"`
			Size int64  `json:"size"`
		} `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.lock.Lock()
	s.negotiations++
	missing := []string{}
	for _, file := range req.Files {
		if _, ok := s.blobs[file.SHA]; !ok {
			missing = append(missing, file.SHA)
		}
	}
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"missing": missing})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	digest := r.Header.Get("x-deploy-digest")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.lock.Lock()
	s.attemptsByURL[digest]++
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	delay := s.uploadDelay
	s.lock.Unlock()

	time.Sleep(delay)

	s.lock.Lock()
	defer s.lock.Unlock()
	s.inFlight--
	if fail, ok := s.uploadFails[digest]; ok && fail.times > 0 {
		fail.times--
		if s.storeOnFail {
			s.blobs[digest] = data
		}
		writeError(w, fail.status, "upload_failed", "injected failure")
		return
	}
	if sha1.Sum(data).String() != digest {
		writeError(w, http.StatusBadRequest, "invalid_digest", "content does not match "+digest)
		return
	}
	if size := r.Header.Get("x-deploy-size"); size != strconv.Itoa(len(data)) {
		writeError(w, http.StatusBadRequest, "invalid_size", "size "+size+" does not match content")
		return
	}
	s.blobs[digest] = data
	s.uploads = append(s.uploads, digest)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	req.TeamID = r.URL.Query().Get("teamId")
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.createFail != nil && s.createFail.times > 0 {
		s.createFail.times--
		writeError(w, s.createFail.status, s.createCode, "injected failure")
		return
	}
	for digest := range req.Files {
		if _, ok := s.blobs[digest]; !ok {
			writeError(w, http.StatusBadRequest, "missing_files", "missing file "+digest)
			return
		}
	}
	s.creates = append(s.creates, req)
	n := len(s.creates)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         fmt.Sprintf("dpl_%d", n),
		"url":        fmt.Sprintf("%s-%d.example.app", req.Name, n),
		"name":       req.Name,
		"readyState": "QUEUED",
		"createdAt":  1700000000000 + n,
	})
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}
