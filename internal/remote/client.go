package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

var errMissingBaseURL = errors.New("remote base url is required")

// StatusError reports an unexpected HTTP status from the remote.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote status %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	if e.Message != "" {
		return fmt.Sprintf("remote status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote status %d", e.StatusCode)
}

// ClientConfig configures the HTTP remote client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the cloud record server over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *zap.Logger
}

// NewClient builds a Client from configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		logger:     logger,
	}, nil
}

type saveRequestPayload struct {
	Fields json.RawMessage `json:"fields"`
}

type systemFieldsPayload struct {
	RecordID   string `json:"recordId"`
	ModifiedAt int64  `json:"modifiedAt"`
	Version    int64  `json:"version"`
}

type changesResponsePayload struct {
	Changes []RecordChange `json:"changes"`
	Token   string         `json:"token"`
}

type accountResponsePayload struct {
	Status    string `json:"status"`
	AccountID string `json:"accountId"`
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Save upserts a record and returns the server-assigned system fields.
func (c *Client) Save(ctx context.Context, record Record) (entities.RemoteSystemFields, error) {
	var out systemFieldsPayload
	path := recordPath(record.Type, record.RecordID)
	if err := c.do(ctx, http.MethodPut, path, saveRequestPayload{Fields: record.Fields}, &out); err != nil {
		return entities.RemoteSystemFields{}, err
	}
	return entities.RemoteSystemFields{
		RecordID:     out.RecordID,
		ModifiedAtMs: out.ModifiedAt,
		Version:      out.Version,
	}, nil
}

// FetchChanges lists changes in a collection after the token.
func (c *Client) FetchChanges(ctx context.Context, entityType entities.EntityType, sinceToken string) ([]RecordChange, string, error) {
	query := url.Values{}
	if sinceToken != "" {
		query.Set("since", sinceToken)
	}
	path := "/v1/records/" + url.PathEscape(entityType.String()) + "/changes"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out changesResponsePayload
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Changes, out.Token, nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, entityType entities.EntityType, recordID string) error {
	return c.do(ctx, http.MethodDelete, recordPath(entityType, recordID), nil, nil)
}

// CheckConnectivity probes the account endpoint. Transport failures report
// ConnectivityUnknown together with the error.
func (c *Client) CheckConnectivity(ctx context.Context) (Connectivity, error) {
	var out accountResponsePayload
	err := c.do(ctx, http.MethodGet, "/v1/account", nil, &out)
	if errors.Is(err, ErrUnauthorized) {
		return ConnectivityNoAccount, nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden {
		return ConnectivityRestricted, nil
	}
	if err != nil {
		c.logger.Warn("remote connectivity probe failed", zap.Error(err))
		return ConnectivityUnknown, err
	}
	switch Connectivity(out.Status) {
	case ConnectivityAvailable, ConnectivityNoAccount, ConnectivityRestricted:
		return Connectivity(out.Status), nil
	default:
		return ConnectivityUnknown, nil
	}
}

func recordPath(entityType entities.EntityType, recordID string) string {
	return "/v1/records/" + url.PathEscape(entityType.String()) + "/" + url.PathEscape(recordID)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if out == nil || response.StatusCode == http.StatusNoContent {
			return nil
		}
		return json.NewDecoder(response.Body).Decode(out)
	}

	var payload errorPayload
	_ = json.NewDecoder(response.Body).Decode(&payload)
	switch response.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &StatusError{StatusCode: response.StatusCode, Code: payload.Code, Message: payload.Error}
	}
}
