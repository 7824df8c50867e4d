package models

// DeployRequest 通过MDM推送安装的目标
type DeployRequest struct {
	Computers []string `json:"computers"`
	Groups    []string `json:"groups"`
}

// DeployQueued 已排队的MDM安装命令
type DeployQueued struct {
	Computer  string `json:"computer"`
	CommandID string `json:"command_id"`
}

// DeployFailure 单个目标未通过校验或下发失败
type DeployFailure struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type DeployResult struct {
	Title   string          `json:"title"`
	Version string          `json:"version"`
	Queued  []DeployQueued  `json:"queued"`
	Failed  []DeployFailure `json:"failed"`
}
