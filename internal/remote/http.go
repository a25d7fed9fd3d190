package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/routinesync/internal/models"
)

// HTTPConfig configures an HTTPService.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration

	// Client overrides the default HTTP client, mainly for tests.
	Client *http.Client
}

// HTTPService is a Service backed by the REST API served by
// internal/remote/server.
type HTTPService struct {
	baseURL string
	client  *http.Client
}

var _ Service = (*HTTPService)(nil)

// NewHTTPService creates an HTTPService.
func NewHTTPService(cfg HTTPConfig) *HTTPService {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPService{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
	}
}

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do sends one request and decodes the envelope's data into out.
func (s *HTTPService) do(ctx context.Context, method, path, key string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Rejected(0, "INVALID_REQUEST", fmt.Sprintf("failed to encode request: %v", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return Rejected(0, "INVALID_REQUEST", fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Unavailable(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Unavailable(fmt.Sprintf("%s %s: failed to read response", method, path), err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Unavailable(fmt.Sprintf("%s %s: server returned %d", method, path, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		if decodeErr != nil || env.Code == "" {
			return Rejected(resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(raw)))
		}
		return Rejected(resp.StatusCode, env.Code, env.Message)
	}

	if decodeErr != nil {
		return Rejected(resp.StatusCode, "INVALID_RESPONSE", fmt.Sprintf("undecodable response: %v", decodeErr))
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return Rejected(resp.StatusCode, "INVALID_RESPONSE", fmt.Sprintf("undecodable data: %v", err))
		}
	}
	return nil
}

func routinePath(routineID string) string {
	return "/api/routines/" + url.PathEscape(routineID)
}

func slotPath(routineID, slotID string) string {
	return routinePath(routineID) + "/slots/" + url.PathEscape(slotID)
}

// FetchAll implements Service.
func (s *HTTPService) FetchAll(ctx context.Context) (models.Collection, error) {
	var routines []models.Routine
	if err := s.do(ctx, http.MethodGet, "/api/routines", "", nil, &routines); err != nil {
		return models.Collection{}, err
	}
	if routines == nil {
		routines = []models.Routine{}
	}
	return models.Collection{Routines: routines}, nil
}

// Ping implements Service.
func (s *HTTPService) Ping(ctx context.Context) error {
	return s.do(ctx, http.MethodGet, "/api/health", "", nil, nil)
}

// CreateRoutine implements Service.
func (s *HTTPService) CreateRoutine(ctx context.Context, key string, in models.RoutineInput) (models.Routine, error) {
	var r models.Routine
	err := s.do(ctx, http.MethodPost, "/api/routines", key, in, &r)
	return r, err
}

// UpdateRoutine implements Service.
func (s *HTTPService) UpdateRoutine(ctx context.Context, key, routineID string, patch models.RoutinePatch) (models.Routine, error) {
	var r models.Routine
	err := s.do(ctx, http.MethodPatch, routinePath(routineID), key, patch, &r)
	return r, err
}

// DeleteRoutine implements Service.
func (s *HTTPService) DeleteRoutine(ctx context.Context, key, routineID string) error {
	return s.do(ctx, http.MethodDelete, routinePath(routineID), key, nil, nil)
}

// AddSlot implements Service.
func (s *HTTPService) AddSlot(ctx context.Context, key, routineID string, in models.SlotInput) (models.Slot, error) {
	var slot models.Slot
	err := s.do(ctx, http.MethodPost, routinePath(routineID)+"/slots", key, in, &slot)
	return slot, err
}

// UpdateSlot implements Service.
func (s *HTTPService) UpdateSlot(ctx context.Context, key, routineID, slotID string, patch models.SlotPatch) (models.Slot, error) {
	var slot models.Slot
	err := s.do(ctx, http.MethodPatch, slotPath(routineID, slotID), key, patch, &slot)
	return slot, err
}

// DeleteSlot implements Service.
func (s *HTTPService) DeleteSlot(ctx context.Context, key, routineID, slotID string) error {
	return s.do(ctx, http.MethodDelete, slotPath(routineID, slotID), key, nil, nil)
}
