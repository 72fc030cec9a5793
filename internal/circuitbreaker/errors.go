package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen 熔断器拒绝调用。与下游调用本身的失败严格区分
var ErrCircuitOpen = errors.New("熔断器打开，暂停调用")

// ErrStoreConflict 共享状态并发修改冲突，重试次数用尽
var ErrStoreConflict = errors.New("熔断器状态更新冲突")

// OpenError 调用被熔断器拒绝
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("熔断器 %s 处于 %s，%s 后重试", e.Name, e.State, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("熔断器 %s 处于 %s，试探名额已满", e.Name, e.State)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}
