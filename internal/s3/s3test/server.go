// Package s3test provides a minimal in-memory, path-style S3 server for
// exercising the cloud engine and sync task without a real object store.
package s3test

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vaulthalla/vaulthalla/internal/logging"
	"github.com/vaulthalla/vaulthalla/internal/s3"
	"github.com/vaulthalla/vaulthalla/internal/types"
)

// Server is a fake S3 endpoint backed by maps.
type Server struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string

	// ForcedStatus, when non-zero, is returned for every request.
	ForcedStatus int

	httpServer *httptest.Server
}

// New starts the fake server; Close it when done.
func New() *Server {
	s := &Server{
		objects: make(map[string][]byte),
		meta:    make(map[string]map[string]string),
	}
	s.httpServer = httptest.NewServer(s)
	return s
}

// URL is the endpoint to point a controller at.
func (s *Server) URL() string { return s.httpServer.URL }

// Close shuts the listener down.
func (s *Server) Close() { s.httpServer.Close() }

// Controller builds an s3.Controller against this server.
func (s *Server) Controller(bucket string, log *logging.Logger) (*s3.Controller, error) {
	return s3.NewController(context.Background(), &types.APIKey{
		Provider:        "fake",
		Region:          "us-east-1",
		AccessKey:       "test-access",
		SecretAccessKey: "test-secret",
		Endpoint:        s.URL(),
	}, bucket, log)
}

// Put seeds an object directly.
func (s *Server) Put(key string, body []byte, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	if meta == nil {
		meta = map[string]string{}
	}
	s.meta[key] = meta
}

// Object reads an object directly; ok is false when absent.
func (s *Server) Object(key string) ([]byte, map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	return body, s.meta[key], ok
}

// Keys lists the stored keys sorted.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) key(r *http.Request) string {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// ServeHTTP implements just enough of the S3 REST surface: PUT/GET/HEAD/
// DELETE objects, ListObjectsV2 and CopyObject metadata replacement.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ForcedStatus != 0 {
		w.WriteHeader(s.ForcedStatus)
		return
	}

	key := s.key(r)
	switch {
	case r.Method == http.MethodPut && r.Header.Get("x-amz-copy-source") != "":
		src := strings.SplitN(strings.TrimPrefix(r.Header.Get("x-amz-copy-source"), "/"), "/", 2)
		if len(src) < 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := s.objects[src[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.objects[key] = body
		s.meta[key] = metaFromHeader(r)
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<CopyObjectResult><LastModified>%s</LastModified><ETag>"etag"</ETag></CopyObjectResult>`,
			time.Now().UTC().Format(time.RFC3339))

	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.objects[key] = body
		s.meta[key] = metaFromHeader(r)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		type content struct {
			Key          string    `xml:"Key"`
			Size         int       `xml:"Size"`
			ETag         string    `xml:"ETag"`
			LastModified time.Time `xml:"LastModified"`
		}
		var result struct {
			XMLName  xml.Name  `xml:"ListBucketResult"`
			Contents []content `xml:"Contents"`
		}
		keys := make([]string, 0, len(s.objects))
		for k := range s.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			result.Contents = append(result.Contents, content{
				Key: k, Size: len(s.objects[k]), ETag: `"etag"`,
				LastModified: time.Now().UTC(),
			})
		}
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(result)

	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		body, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		for name, value := range s.meta[key] {
			w.Header().Set("x-amz-meta-"+name, value)
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}

	case r.Method == http.MethodDelete:
		delete(s.objects, key)
		delete(s.meta, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func metaFromHeader(r *http.Request) map[string]string {
	meta := make(map[string]string)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") {
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}
	return meta
}
