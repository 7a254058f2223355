package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxResponseBody ограничивает размер читаемого ответа шлюза.
const maxResponseBody = 1 << 20

// Client инкапсулирует HTTP-взаимодействие со шлюзами: таймаут и ограничение частоты запросов.
// Повторов нет: неудачный запрос считается неуспешной проверкой.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient создаёт клиент с таймаутом на запрос и лимитом rps запросов в секунду.
// rps <= 0 отключает ограничение.
func NewClient(timeout time.Duration, rps float64) *Client {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// Response содержит ответ шлюза.
type Response struct {
	StatusCode int
	Body       []byte
}

// Do выполняет запрос и читает тело ответа целиком.
func (c *Client) Do(req *http.Request) (*Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("gateway url not configured")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}
