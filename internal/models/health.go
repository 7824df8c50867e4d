package models

// HealthResponse 健康检查响应结构
// @Description 健康检查API响应数据结构
type HealthResponse struct {
	Version   string  `json:"version" example:"1.0.0" description:"服务版本"`
	StartTime string  `json:"start_time" example:"2024-01-01T10:00:00Z" description:"启动时间"`
	Status    string  `json:"status" example:"UP" description:"健康状态"`
	Uptime    string  `json:"uptime" example:"1h30m45s" description:"运行时长"`
	Metrics   Metrics `json:"metrics" description:"关键指标"`
}

// Metrics 关键指标结构
// @Description 系统关键指标数据结构
type Metrics struct {
	TotalRequests int64 `json:"total_requests" example:"1000" description:"总请求数"`
	ErrorRequests int64 `json:"error_requests" example:"5" description:"出错请求数"`
	ActiveJobs    int   `json:"active_jobs" example:"2" description:"运行中的操作数"`
	HeldLocks     int   `json:"held_locks" example:"1" description:"持有的锁数"`
	Titles        int   `json:"titles" example:"12" description:"标题总数"`
}
