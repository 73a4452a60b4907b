package outbox

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
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

// errSchemaNotFound is returned by lookups when the subject does not hold the schema yet.
var errSchemaNotFound = errors.New("schema not registered under subject")

// RegistryError is a non-2xx answer from Schema Registry.
type RegistryError struct {
	StatusCode int
	ErrorCode  int    `json:"error_code"`
	Message    string `json:"message"`
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("schema registry: status %d code %d: %s", e.StatusCode, e.ErrorCode, e.Message)
}

// SchemaRegistryClient registers the JSON schemas of published streak events with Confluent Schema Registry.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSchemaRegistryClient constructs a client with a 10s request timeout.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	return &SchemaRegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureSchema returns the id of schema under subject, registering it when the subject does not
// hold this exact schema yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	id, err := c.lookup(ctx, subject, schema)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errSchemaNotFound) {
		return 0, err
	}
	return c.post(ctx, "/subjects/"+url.PathEscape(subject)+"/versions", schema)
}

func (c *SchemaRegistryClient) lookup(ctx context.Context, subject, schema string) (int, error) {
	id, err := c.post(ctx, "/subjects/"+url.PathEscape(subject), schema)
	var regErr *RegistryError
	if errors.As(err, &regErr) && regErr.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", errSchemaNotFound, subject)
	}
	return id, err
}

// post sends a JSON schema to path and decodes the schema id from the answer.
func (c *SchemaRegistryClient) post(ctx context.Context, path, schema string) (int, error) {
	body, err := json.Marshal(map[string]any{
		"schemaType": "JSON",
		"schema":     schema,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", registryContentType)
	req.Header.Set("Accept", registryContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("schema registry %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		regErr := &RegistryError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, regErr) != nil || regErr.Message == "" {
			regErr.Message = strings.TrimSpace(string(data))
		}
		return 0, regErr
	}

	var payload struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode schema registry answer: %w", err)
	}
	if payload.ID <= 0 {
		return 0, fmt.Errorf("schema registry %s: missing schema id", path)
	}
	return payload.ID, nil
}
