package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"dca-trader/internal/model"
	"dca-trader/internal/service"
)

// KlineClient 是历史 K 线的 REST 客户端。
// 交易所返回固定位置的二维数组：
// [openTime, open, high, low, close, volume, closeTime, ...]
type KlineClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewKlineClient 创建客户端，timeout<=0 时默认 10s
func NewKlineClient(baseURL string, timeout time.Duration) *KlineClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KlineClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetKlines 拉取最近 limit 根 K 线，按 openTime 升序返回。
// REST 返回的都视为已定稿 (IsFinal=true)，形成中的那根由实时流负责。
func (c *KlineClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/api/v3/klines?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("klines request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("klines http %d: %s", resp.StatusCode, body)
	}

	var rows [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode klines response: %w", err)
	}

	return ParseKlineRows(rows), nil
}

// ParseKlineRows 把固定位置数组解析为 Candle，跳过残缺或无法解析的行
func ParseKlineRows(rows [][]interface{}) []model.Candle {
	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTime, err := service.JSONNumberToInt64(row[0])
		if err != nil {
			continue
		}
		open, err := service.JSONNumberToFloat(row[1])
		if err != nil {
			continue
		}
		high, err := service.JSONNumberToFloat(row[2])
		if err != nil {
			continue
		}
		low, err := service.JSONNumberToFloat(row[3])
		if err != nil {
			continue
		}
		closePrice, err := service.JSONNumberToFloat(row[4])
		if err != nil {
			continue
		}
		volume, err := service.JSONNumberToFloat(row[5])
		if err != nil {
			continue
		}
		closeTime, err := service.JSONNumberToInt64(row[6])
		if err != nil {
			continue
		}

		out = append(out, model.Candle{
			OpenTime:  openTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: closeTime,
			IsFinal:   true,
		})
	}
	return out
}
