// Package ocr предоставляет клиент для внешнего OCR-сервиса распознавания чеков.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MaxImageSize — максимальный размер изображения чека, поддерживаемый
// OCR-сервисом (ограничение наследуется от Textract).
const MaxImageSize = 5 * 1024 * 1024

// ErrUnavailable возвращается при любой ошибке OCR-сервиса: транспортной,
// либо при ответе с кодом, отличным от 200. Решение о повторе принимает
// вызывающая сторона.
var (
	ErrUnavailable = errors.New("ocr service unavailable")
	// ErrEmptyImage возвращается для пустого изображения.
	ErrEmptyImage = errors.New("empty image")
	// ErrImageTooLarge возвращается, когда изображение превышает MaxImageSize.
	ErrImageTooLarge = errors.New("image exceeds size limit")
)

// Client инкапсулирует HTTP-взаимодействие с OCR-сервисом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Result описывает результат распознавания одного чека: сырой текст и
// метаданные магазина из сводных полей документа.
type Result struct {
	Text         string `json:"text"`
	StoreName    string `json:"store_name,omitempty"`
	StoreAddress string `json:"store_address,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к OCR-сервису по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Recognize отправляет изображение чека на распознавание и возвращает
// извлечённый текст с метаданными магазина.
func (c *Client) Recognize(ctx context.Context, image []byte) (*Result, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("ocr client not configured")
	}
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if len(image) > MaxImageSize {
		return nil, ErrImageTooLarge
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := base + "/api/ocr"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %s", ErrUnavailable, err)
	}

	return &result, nil
}
