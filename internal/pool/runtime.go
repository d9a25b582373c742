package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/meeboter/coordinator/internal/domain"
)

// ApplicationStatus is the PaaS backend's own status vocabulary, mapped
// to backend.Status by Pool.Status.
type ApplicationStatus string

const (
	AppBuilding ApplicationStatus = "building"
	AppRunning  ApplicationStatus = "running"
	AppStopped  ApplicationStatus = "stopped"
	AppFailed   ApplicationStatus = "failed"
	AppMissing  ApplicationStatus = "missing" // synthetic: backend returned not-found
)

// ContainerRuntime is the pool adapter's dependency on the pre-warmed
// container PaaS. It is a narrow interface so tests can supply
// a fake; the production implementation (httpRuntime) speaks to the
// backend over its REST API, split into a thin client interface plus
// an HTTP implementation.
type ContainerRuntime interface {
	// CreateApplication provisions a new container application for bot,
	// returning the backend's application identifier.
	CreateApplication(ctx context.Context, bot *domain.BotConfig, slotName string) (string, error)

	// StartApplication issues the (non-blocking) start command.
	StartApplication(ctx context.Context, applicationUUID string) error

	// StopApplication stops and is idempotent: a not-found response is success.
	StopApplication(ctx context.Context, applicationUUID string) error

	// ApplicationStatus reports the backend's current state for uuid.
	ApplicationStatus(ctx context.Context, applicationUUID string) (ApplicationStatus, error)

	// UpdateDescription sets the backend-displayed label for observability.
	UpdateDescription(ctx context.Context, applicationUUID, description string) error

	// ListApplications enumerates applications under the pool naming
	// prefix, for the orphan reconciler. Returns uuid -> slot name.
	ListApplications(ctx context.Context) (map[string]string, error)
}

// httpRuntime is a thin REST client for the pre-warmed container PaaS.
// There is no ecosystem Go SDK for this class of API, so this is a
// deliberate standard-library client (net/http + encoding/json), hand
// rolled the same way the other backend protocol clients are.
type httpRuntime struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRuntime constructs the production ContainerRuntime.
func NewHTTPRuntime(baseURL, apiKey string, client *http.Client) ContainerRuntime {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpRuntime{baseURL: baseURL, apiKey: apiKey, client: client}
}

func (r *httpRuntime) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("container runtime request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errAppNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("container runtime %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errAppNotFound = fmt.Errorf("container runtime: application not found")

func (r *httpRuntime) CreateApplication(ctx context.Context, bot *domain.BotConfig, slotName string) (string, error) {
	var resp struct {
		UUID string `json:"uuid"`
	}
	payload := map[string]any{
		"name":     slotName,
		"platform": bot.Meeting.Platform,
		"env": map[string]string{
			"BOT_ID": fmt.Sprintf("%d", bot.BotID),
		},
	}
	if err := r.do(ctx, http.MethodPost, "/api/v1/applications", payload, &resp); err != nil {
		return "", err
	}
	return resp.UUID, nil
}

func (r *httpRuntime) StartApplication(ctx context.Context, uuid string) error {
	return r.do(ctx, http.MethodPost, "/api/v1/applications/"+uuid+"/start", nil, nil)
}

func (r *httpRuntime) StopApplication(ctx context.Context, uuid string) error {
	err := r.do(ctx, http.MethodPost, "/api/v1/applications/"+uuid+"/stop", nil, nil)
	if err == errAppNotFound {
		return nil
	}
	return err
}

func (r *httpRuntime) ApplicationStatus(ctx context.Context, uuid string) (ApplicationStatus, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/v1/applications/"+uuid, nil, &resp); err != nil {
		if err == errAppNotFound {
			return AppMissing, nil
		}
		return "", err
	}
	return ApplicationStatus(resp.Status), nil
}

func (r *httpRuntime) UpdateDescription(ctx context.Context, uuid, description string) error {
	return r.do(ctx, http.MethodPatch, "/api/v1/applications/"+uuid, map[string]string{"description": description}, nil)
}

func (r *httpRuntime) ListApplications(ctx context.Context) (map[string]string, error) {
	var resp []struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/v1/applications?prefix=pool-", nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(resp))
	for _, a := range resp {
		out[a.UUID] = a.Name
	}
	return out, nil
}
