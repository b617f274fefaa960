// Package extract предоставляет клиент для сервиса извлечения сущностей
// (NER-модель) и классификатора категорий товаров.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mkotelnikov/smartreceipt-system/internal/model"
)

// ErrUnavailable возвращается при транспортной ошибке сервиса извлечения
// либо при ответе с неожиданным кодом.
var (
	ErrUnavailable = errors.New("extractor service unavailable")
	// ErrBadResponse возвращается, когда ответ сервиса не проходит проверку схемой.
	ErrBadResponse = errors.New("extractor returned malformed response")
)

// Client инкапсулирует HTTP-взаимодействие с сервисом извлечения сущностей.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	entitiesSchema *jsonschema.Schema
}

// NewClient создаёт клиент сервиса извлечения. Схема ответа компилируется
// один раз при создании; ошибка компиляции — программная и фатальная.
func NewClient(baseURL string) (*Client, error) {
	schema, err := compileSchema(entitiesSchema())
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		entitiesSchema: schema,
	}, nil
}

type entitiesRequest struct {
	Text string `json:"text"`
}

type entitiesResponse struct {
	Entities []model.Entity `json:"entities"`
}

// Entities отправляет текст чека NER-модели и возвращает извлечённые сущности.
// Ответ сервиса проверяется по JSON-схеме до разбора.
func (c *Client) Entities(ctx context.Context, text string) ([]model.Entity, error) {
	body, err := c.post(ctx, "/api/entities", entitiesRequest{Text: text})
	if err != nil {
		return nil, err
	}

	if err := validateAgainst(c.entitiesSchema, body); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadResponse, err)
	}

	var resp entitiesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadResponse, err)
	}
	return resp.Entities, nil
}

type categoriesRequest struct {
	Items []string `json:"items"`
}

type categoriesResponse struct {
	Categories []string `json:"categories"`
}

// Categories возвращает метки категорий для списка названий товаров.
// Метки сопоставлены позиционно с входным списком.
func (c *Client) Categories(ctx context.Context, items []string) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	body, err := c.post(ctx, "/api/categories", categoriesRequest{Items: items})
	if err != nil {
		return nil, err
	}

	var resp categoriesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadResponse, err)
	}
	if len(resp.Categories) != len(items) {
		return nil, fmt.Errorf("%w: got %d categories for %d items", ErrBadResponse, len(resp.Categories), len(items))
	}
	return resp.Categories, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("extractor client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %s", ErrUnavailable, err)
	}
	return body, nil
}
