package root

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"xolo/internal/config"
	"xolo/internal/env"
	"xolo/internal/middleware"
	"xolo/internal/models"
	"xolo/internal/rpc"
	"xolo/internal/utils"
	"xolo/services"

	"github.com/iancoleman/orderedmap"
	"gopkg.in/yaml.v3"
)

var errStreamDone = errors.New("stream done")

// API xolo服务的已认证客户端
type API struct {
	http rpc.HTTPClient
}

/**
 * Create a client for the xolo server
 * @returns {*API} Client using the server URL and token of client.json
 * @description
 * - --server overrides the configured URL
 * - The local host name is sent so change log entries name the admin's machine
 */
func NewAPI() *API {
	cfg := config.GetClientConfig()
	url := cfg.ServerURL
	if ServerURL != "" {
		url = ServerURL
	}
	return &API{http: rpc.NewHTTPClient(&rpc.HTTPConfig{
		BaseURL: url,
		Timeout: 2 * time.Minute,
		Token:   cfg.Token,
		Headers: map[string]string{middleware.HostHeader: env.Hostname()},
	})}
}

func (a *API) Close() error {
	return a.http.Close()
}

func result(resp *rpc.HTTPResponse, err error, out interface{}) error {
	if err != nil {
		return fmt.Errorf("failed to call xolo server: %w", err)
	}
	if !resp.OK() {
		return errors.New(resp.Error)
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.Decode(out)
}

// Get 发送GET请求并解析响应
func (a *API) Get(ctx context.Context, path string, out interface{}) error {
	resp, err := a.http.Get(ctx, path, nil)
	return result(resp, err, out)
}

/**
 * Send a request with a JSON body and decode the response
 * @param {string} method - POST, PUT, PATCH or DELETE
 * @param {interface{}} out - Destination of the response, nil to discard it
 */
func (a *API) Send(ctx context.Context, method, path string, body, out interface{}) error {
	var resp *rpc.HTTPResponse
	var err error
	switch method {
	case http.MethodPost:
		resp, err = a.http.Post(ctx, path, body)
	case http.MethodPut:
		resp, err = a.http.Put(ctx, path, body)
	case http.MethodPatch:
		resp, err = a.http.Patch(ctx, path, body)
	case http.MethodDelete:
		resp, err = a.http.Delete(ctx, path, nil)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	return result(resp, err, out)
}

/**
 * Start a background operation and follow its progress to the end
 * @returns {error} The request error, or an error when the operation failed
 */
func (a *API) Run(ctx context.Context, method, path string, body interface{}) error {
	var running models.RunningResponse
	if err := a.Send(ctx, method, path, body, &running); err != nil {
		return err
	}
	return a.Follow(ctx, running.ProgressStreamURLPath)
}

// Upload 上传包文件并跟随处理进度
func (a *API) Upload(ctx context.Context, path, file string) error {
	resp, err := a.http.Upload(ctx, path, "file", file, nil)
	var running models.RunningResponse
	if err := result(resp, err, &running); err != nil {
		return err
	}
	return a.Follow(ctx, running.ProgressStreamURLPath)
}

/**
 * Print a progress stream until its end marker
 * @param {string} urlPath - progress_stream_url_path of a running response, or a bare stream id
 * @returns {error} Error when the stream reports a failure
 */
func (a *API) Follow(ctx context.Context, urlPath string) error {
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = services.StreamURLPath(urlPath)
	}
	var failure []string
	err := a.http.Stream(ctx, urlPath, nil, func(line string) error {
		switch {
		case line == services.StreamDoneLine:
			return errStreamDone
		case line == services.KeepaliveLine:
			return nil
		case strings.HasPrefix(line, services.ErrorLinePrefix):
			failure = append(failure, strings.TrimPrefix(line, services.ErrorLinePrefix))
		}
		fmt.Println(line)
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return err
	}
	if err == nil {
		return fmt.Errorf("progress stream ended without an end marker")
	}
	if len(failure) > 0 {
		return errors.New(strings.Join(failure, "; "))
	}
	return nil
}

/**
 * Read a title or version spec from a YAML or JSON file
 * @param {string} path - Spec file, keys use the API's snake_case names
 * @param {interface{}} v - Destination model
 */
func LoadSpec(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	// 经JSON转换以复用模型的json标签
	buf, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", path, err)
	}
	return json.Unmarshal(buf, v)
}

// PrintObject 输出单个对象，默认YAML
func PrintObject(v interface{}) error {
	switch OutputFormat {
	case "json":
		return printJSON(v)
	case "", "yaml", "table":
		return utils.WriteYaml(os.Stdout, v)
	default:
		return fmt.Errorf("unknown output format '%s'", OutputFormat)
	}
}

/**
 * Print a list, as a table unless another format was asked for
 * @param {interface{}} v - The full list, used for yaml and json output
 * @param {interface{}} rows - Slice of row structs shown in the table
 */
func PrintList(v interface{}, rows interface{}) error {
	switch OutputFormat {
	case "json":
		return printJSON(v)
	case "yaml":
		return utils.WriteYaml(os.Stdout, v)
	case "", "table":
	default:
		return fmt.Errorf("unknown output format '%s'", OutputFormat)
	}

	rv := reflect.ValueOf(rows)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		fmt.Println("Nothing found")
		return nil
	}
	list := make([]*orderedmap.OrderedMap, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		m, err := utils.StructToOrderedMap(rv.Index(i).Interface())
		if err != nil {
			return err
		}
		list = append(list, m)
	}
	utils.PrintFormat(list)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
