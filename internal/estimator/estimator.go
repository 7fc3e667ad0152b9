package estimator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// Estimate — ответ внешнего сервиса предсказания ожидания. Движок очереди
// эти значения только сохраняет, сам расчёт — целиком внешний.
type Estimate struct {
	Minutes    int                    `json:"minutes"`
	Mode       string                 `json:"mode"`
	Confidence float64                `json:"confidence"`
	Features   map[string]interface{} `json:"features,omitempty"`
}

// Client обращается к сервису предсказания и кэширует ответы в Redis.
// Вызывается внешним оркестратором после сбоев расписания (отсутствие,
// отмена, перестановка) — не на пути чтения расписания.
type Client struct {
	baseURL string
	redis   *redis.Client
	http    *http.Client
}

func NewClient(redisClient *redis.Client) *Client {
	return &Client{
		baseURL: os.Getenv("ESTIMATOR_API_URL"),
		redis:   redisClient,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Estimate возвращает предсказание для записи. Результат кэшируется на
// 5 минут: повторные запросы одного всплеска не бьют по модели.
func (c *Client) Estimate(ctx context.Context, appointmentID uint) (*Estimate, error) {
	cacheKey := fmt.Sprintf("estimate_%d", appointmentID)
	if c.redis != nil {
		cached, err := c.redis.Get(ctx, cacheKey).Result()
		if err == nil && cached != "" {
			var est Estimate
			if err := json.Unmarshal([]byte(cached), &est); err == nil {
				return &est, nil
			}
		}
	}

	if c.baseURL == "" {
		// Фолбэк при отключённом сервисе: предсказание недоступно.
		return &Estimate{Minutes: 0, Mode: "disabled", Confidence: 0}, nil
	}

	url := fmt.Sprintf("%s/estimate/%d", c.baseURL, appointmentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос к сервису предсказания: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("сервис предсказания вернул статус %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var est Estimate
	if err := json.Unmarshal(body, &est); err != nil {
		return nil, fmt.Errorf("разбор ответа сервиса предсказания: %w", err)
	}

	if c.redis != nil {
		c.redis.Set(ctx, cacheKey, string(body), 5*time.Minute)
	}
	return &est, nil
}
