// Package srvreg maps HTTP routes onto batch lifecycle operations. The
// registry itself only does route matching; the handlers own request
// parsing, role resolution and the calls into the ledger client.
package srvreg

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository"
	"github.com/pharmatrace/pharmatrace/verify"
)

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// GenerateRequestID generates a deterministic ID for the request
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Path, r.Method, r.Body, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Response represents the computed response for a request
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(*Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool
	mu          sync.RWMutex
	repository  *repository.Repository
	ledger      ledger.Client
	engine      *verify.Engine
	logger      cmtlog.Logger
}

// ConvertHttpRequestToServiceRequest converts an http.Request to Request
func ConvertHttpRequestToServiceRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// NewServiceRegistry creates a new service registry. The ledger client is
// handed in explicitly; handlers never reach for a global connection.
func NewServiceRegistry(
	repo *repository.Repository,
	ledgerClient ledger.Client,
	engine *verify.Engine,
	logger cmtlog.Logger,
) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		repository:  repo,
		ledger:      ledgerClient,
		engine:      engine,
		logger:      logger,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path and a
// boolean of whether or not the handler was found
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	// Try exact match first
	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	if handler, ok := sr.handlers[key]; ok {
		if sr.exactRoutes[key] {
			return handler, true
		}
	}

	// Try pattern matching
	for routeKey, handler := range sr.handlers {
		if routeKey.Method != strings.ToUpper(method) {
			continue
		}
		if sr.exactRoutes[routeKey] {
			continue
		}
		if matchPath(routeKey.Path, path) {
			return handler, true
		}
	}

	return nil, false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/batch/:id" matching "/batch/123"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// pathPart returns the path segment at index, or "" when out of range.
func pathPart(path string, index int) string {
	parts := strings.Split(path, "/")
	if index < 0 || index >= len(parts) {
		return ""
	}
	return parts[index]
}

// RegisterDefaultServices sets up the batch lifecycle and verification
// endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Lifecycle writes
	sr.RegisterHandler("POST", "/batch", true, sr.CreateBatchHandler)
	sr.RegisterHandler("POST", "/batch/:id/submit", false, sr.SubmitBatchHandler)
	sr.RegisterHandler("POST", "/batch/:id/approve", false, sr.ApproveBatchHandler)
	sr.RegisterHandler("POST", "/batch/:id/reject", false, sr.RejectBatchHandler)
	sr.RegisterHandler("POST", "/batch/:id/status", false, sr.UpdateStatusHandler)
	sr.RegisterHandler("POST", "/batch/:id/recall", false, sr.RecallBatchHandler)
	// Verification
	sr.RegisterHandler("POST", "/verify", true, sr.VerifyHandler)
	// Mirror reads
	sr.RegisterHandler("GET", "/batch/:code", false, sr.GetBatchHandler)
	sr.RegisterHandler("GET", "/batch/:code/history", false, sr.GetBatchHistoryHandler)
	sr.RegisterHandler("GET", "/organizations", true, sr.ListOrganizationsHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Service not found for %s %s", req.Method, req.Path),
		}, nil
	}
	return handler(req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		return strings.TrimSpace(body)
	}
	return buf.String()
}
