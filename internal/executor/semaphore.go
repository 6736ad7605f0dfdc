package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/utils"
)

// SemaphoreClient speaks the automation server's HTTP/JSON task API:
// POST /api/project/{p}/tasks to submit, GET /api/project/{p}/tasks/{id}
// to poll.
type SemaphoreClient struct {
	baseURL   string
	projectID int
	client    *http.Client
	logger    logger.Logger
}

func NewSemaphoreClient(baseURL string, projectID int, timeout time.Duration, log logger.Logger) *SemaphoreClient {
	if projectID == 0 {
		projectID = 1
	}
	return &SemaphoreClient{
		baseURL:   baseURL,
		projectID: projectID,
		client:    &http.Client{Timeout: timeout},
		logger:    log,
	}
}

type taskRequest struct {
	TemplateID  int               `json:"template_id"`
	Environment map[string]string `json:"environment"`
	ExtraVars   map[string]string `json:"extra_vars,omitempty"`
}

type taskResponse struct {
	TaskID  json.Number `json:"task_id"`
	ID      json.Number `json:"id"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

func (c *SemaphoreClient) Start(ctx context.Context, serviceID, machineID string, templateID int, extraVars map[string]string) (TaskHandle, error) {
	return c.submit(ctx, "start", serviceID, machineID, templateID, extraVars)
}

func (c *SemaphoreClient) Stop(ctx context.Context, serviceID, machineID string, templateID int, extraVars map[string]string) (TaskHandle, error) {
	return c.submit(ctx, "stop", serviceID, machineID, templateID, extraVars)
}

func (c *SemaphoreClient) submit(ctx context.Context, action, serviceID, machineID string, templateID int, extraVars map[string]string) (TaskHandle, error) {
	env := map[string]string{
		"SERVICE_ID": serviceID,
		"MACHINE_ID": machineID,
		"ACTION":     action,
	}
	payload := taskRequest{
		TemplateID:  templateID,
		Environment: env,
		ExtraVars:   extraVars,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return TaskHandle{}, &domain.ExecutorError{Op: action, Detail: err.Error()}
	}

	url := fmt.Sprintf("%s/api/project/%d/tasks", c.baseURL, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return TaskHandle{}, &domain.ExecutorError{Op: action, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("submitting executor task",
		logger.String("action", action),
		logger.String("service_id", serviceID),
		logger.String("machine_id", machineID),
		logger.Int("template_id", templateID))

	resp, err := c.client.Do(req)
	if err != nil {
		return TaskHandle{}, &domain.ExecutorError{Op: action, Detail: err.Error()}
	}
	defer utils.Close(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TaskHandle{}, &domain.ExecutorError{Op: action, Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var tr taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return TaskHandle{}, &domain.ExecutorError{Op: action, Detail: "decode response: " + err.Error()}
	}

	id := tr.TaskID.String()
	if id == "" {
		id = tr.ID.String()
	}
	if id == "" {
		return TaskHandle{}, &domain.ExecutorError{Op: action, Detail: "response carried no task id"}
	}

	return TaskHandle{ID: id}, nil
}

func (c *SemaphoreClient) Poll(ctx context.Context, handle TaskHandle) (TaskResult, error) {
	url := fmt.Sprintf("%s/api/project/%d/tasks/%s", c.baseURL, c.projectID, handle.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return TaskResult{}, &domain.ExecutorError{Op: "poll", Detail: err.Error()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return TaskResult{}, &domain.ExecutorError{Op: "poll", Detail: err.Error()}
	}
	defer utils.Close(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TaskResult{}, &domain.ExecutorError{Op: "poll", Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var tr taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return TaskResult{}, &domain.ExecutorError{Op: "poll", Detail: "decode response: " + err.Error()}
	}

	switch tr.Status {
	case "success":
		return TaskResult{Status: TaskSuccess}, nil
	case "error", "failed":
		reason := tr.Message
		if reason == "" {
			reason = "task " + tr.Status
		}
		return TaskResult{Status: TaskFailed, Reason: reason}, nil
	default:
		return TaskResult{Status: TaskRunning}, nil
	}
}
