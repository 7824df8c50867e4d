package models

// ErrorResponse defines API error response format
type ErrorResponse struct {
	Status int    `json:"status" example:"404"`
	Error  string `json:"error" example:"not found: no title 'foo'"`
}

// RunningResponse 多步操作已在后台启动
type RunningResponse struct {
	Status                string `json:"status" example:"running"`
	ProgressStreamURLPath string `json:"progress_stream_url_path" example:"/streamed_progress?stream_file=20240101-100000-7c1a"`
}

// OKResponse 同步操作成功
type OKResponse struct {
	Status  string `json:"status" example:"ok"`
	Message string `json:"message,omitempty"`
}
