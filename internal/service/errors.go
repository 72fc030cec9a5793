package service

import "errors"

var (
	// ErrAdmission 创建台账或幂等键失败，调用方记录后继续处理（不受保护）
	ErrAdmission = errors.New("请求受理失败")
	// ErrLedgerUpdate 台账状态更新失败，必须上抛
	ErrLedgerUpdate = errors.New("请求台账更新失败")

	ErrInvalidIdempotencyKey = errors.New("幂等键不合法")
	ErrInvalidStatus         = errors.New("未知的请求状态")
	ErrInvalidPayload        = errors.New("事件负载必须是 JSON 对象")
	ErrProviderUnavailable   = errors.New("下游服务暂时不可用")
	ErrInvalidRequest        = errors.New("请求参数不合法")
)
