package rpc

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

	"xolo/internal/models"
)

// HTTPClient 定义HTTP客户端接口
type HTTPClient interface {
	Get(ctx context.Context, path string, params map[string]interface{}) (*HTTPResponse, error)
	Post(ctx context.Context, path string, data interface{}) (*HTTPResponse, error)
	Put(ctx context.Context, path string, data interface{}) (*HTTPResponse, error)
	Patch(ctx context.Context, path string, data interface{}) (*HTTPResponse, error)
	Delete(ctx context.Context, path string, params map[string]interface{}) (*HTTPResponse, error)
	Upload(ctx context.Context, path, field, filePath string, fields map[string]string) (*HTTPResponse, error)
	Stream(ctx context.Context, path string, params map[string]interface{}, fn func(line string) error) error
	Close() error
}

// HTTPConfig 定义HTTP客户端配置
type HTTPConfig struct {
	BaseURL   string            // 基础URL
	Timeout   time.Duration     // 默认超时时间，流式请求不受限制
	User      string            // Basic认证用户名
	Password  string            // Basic认证密码
	Token     string            // Bearer令牌，优先于Basic认证
	RateLimit float64           // 每秒最大请求数，0表示不限制
	Headers   map[string]string // 附加请求头
}

// DefaultHTTPConfig 返回默认HTTP客户端配置
func DefaultHTTPConfig(baseURL string) *HTTPConfig {
	return &HTTPConfig{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// HTTPResponse 定义HTTP响应结构
type HTTPResponse struct {
	StatusCode int                 `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body"`
	Error      string              `json:"error"`
}

// OK 状态码为2xx
func (r *HTTPResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode 把响应体解析为JSON
func (r *HTTPResponse) Decode(v interface{}) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// buildURL 构建完整的URL
func buildURL(baseURL, path string, params map[string]interface{}) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	// 路径中可能带查询串
	rawQuery := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, rawQuery = path[:i], path[i+1:]
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("invalid query in path: %w", err)
	}
	for key, value := range params {
		switch v := value.(type) {
		case string:
			q.Set(key, v)
		case []string:
			for _, s := range v {
				q.Add(key, s)
			}
		case float32, float64:
			q.Set(key, fmt.Sprintf("%g", v))
		default:
			q.Set(key, fmt.Sprintf("%v", v))
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serializeData 序列化请求数据
func serializeData(data interface{}) (io.Reader, error) {
	if data == nil {
		return nil, nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize data: %w", err)
	}

	return bytes.NewReader(jsonData), nil
}

// deserializeResponse 反序列化响应数据
func deserializeResponse(resp *http.Response) (*HTTPResponse, error) {
	defer resp.Body.Close()
	httpResp := &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	httpResp.Body = body
	if httpResp.OK() {
		return httpResp, nil
	}
	httpResp.Error = errorMessage(resp.Status, body)
	return httpResp, nil
}

// errorMessage 优先使用 {status, error} 格式的错误信息，否则取响应正文
func errorMessage(status string, body []byte) string {
	if len(body) == 0 {
		return status
	}
	var errBody models.ErrorResponse
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Error != "" {
		return errBody.Error
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512] + "..."
	}
	if text == "" {
		return status
	}
	return status + ": " + text
}
