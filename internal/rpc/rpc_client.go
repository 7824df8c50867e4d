package rpc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"xolo/internal/logger"

	"golang.org/x/time/rate"
)

// httpClient HTTP客户端实现
type httpClient struct {
	config    *HTTPConfig
	client    *http.Client
	streamer  *http.Client
	transport *http.Transport
	limiter   *rate.Limiter
}

/**
 * Create new HTTP client for a remote JSON API
 * @param {HTTPConfig} config - HTTP client configuration
 * @returns {HTTPClient} HTTP client interface
 * @description
 * - Every request waits on the rate limiter when RateLimit is set
 * - Bearer token or basic auth credentials are added to every request
 * - Non-2xx responses are returned with Error filled, transport failures as errors
 * @example
 * client := NewHTTPClient(&HTTPConfig{BaseURL: "https://jamf.example.com/api", RateLimit: 10})
 * resp, err := client.Get(ctx, "/groups/xolo-foo-installed", nil)
 */
func NewHTTPClient(config *HTTPConfig) HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig("http://localhost:8443")
	}

	client := &httpClient{
		config:    config,
		transport: http.DefaultTransport.(*http.Transport).Clone(),
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
	if config.RateLimit > 0 {
		burst := int(config.RateLimit)
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	client.client = &http.Client{
		Transport: client.transport,
		Timeout:   config.Timeout,
	}
	// 流式请求持续到服务端结束，不设置总超时
	client.streamer = &http.Client{Transport: client.transport}
	return client
}

func (c *httpClient) newRequest(ctx context.Context, method, path string, params map[string]interface{}, body io.Reader) (*http.Request, error) {
	url, err := buildURL(c.config.BaseURL, path, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	switch {
	case c.config.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	case c.config.User != "":
		req.SetBasicAuth(c.config.User, c.config.Password)
	}
	return req, nil
}

// do 限速后发送请求并读取完整响应
func (c *httpClient) do(req *http.Request) (*HTTPResponse, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	logger.Debugf("Sending %s request to %s", req.Method, req.URL)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	httpResp, err := deserializeResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}
	return httpResp, nil
}

func (c *httpClient) send(ctx context.Context, method, path string, data interface{}) (*HTTPResponse, error) {
	body, err := serializeData(data)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, method, path, nil, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// Get 发送GET请求
func (c *httpClient) Get(ctx context.Context, path string, params map[string]interface{}) (*HTTPResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Post 发送POST请求
func (c *httpClient) Post(ctx context.Context, path string, data interface{}) (*HTTPResponse, error) {
	return c.send(ctx, http.MethodPost, path, data)
}

// Put 发送PUT请求
func (c *httpClient) Put(ctx context.Context, path string, data interface{}) (*HTTPResponse, error) {
	return c.send(ctx, http.MethodPut, path, data)
}

// Patch 发送PATCH请求
func (c *httpClient) Patch(ctx context.Context, path string, data interface{}) (*HTTPResponse, error) {
	return c.send(ctx, http.MethodPatch, path, data)
}

// Delete 发送DELETE请求
func (c *httpClient) Delete(ctx context.Context, path string, params map[string]interface{}) (*HTTPResponse, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, path, params, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

/**
 * Upload a file as multipart/form-data
 * @param {string} field - Form field name of the file
 * @param {string} filePath - Local file to send
 * @param {map[string]string} fields - Extra form fields
 * @description
 * - The body is streamed through a pipe, large packages are never held in memory
 * - The client timeout doesn't apply, ctx bounds the upload
 */
func (c *httpClient) Upload(ctx context.Context, path, field, filePath string, fields map[string]string) (*HTTPResponse, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile(field, filepath.Base(filePath))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, path, nil, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.limiter.Wait(ctx); err != nil {
		pr.Close()
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	logger.Debugf("Uploading %s to %s", filePath, req.URL)
	resp, err := c.streamer.Do(req)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	return deserializeResponse(resp)
}

/**
 * Follow a streamed text response line by line
 * @param {func(string) error} fn - Called for every line, a non-nil return stops reading
 * @returns {error} Error for non-2xx responses, transport failures, or fn's error
 */
func (c *httpClient) Stream(ctx context.Context, path string, params map[string]interface{}, fn func(line string) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/plain")
	resp, err := c.streamer.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s", errorMessage(resp.Status, body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Close 关闭空闲连接
func (c *httpClient) Close() error {
	c.transport.CloseIdleConnections()
	logger.Debugf("HTTP client connection closed")
	return nil
}
