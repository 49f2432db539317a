// Package errors 提供统一错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 错误类别哨兵：API 层据此映射 HTTP 状态码，内部用 errors.Is 判断
var (
	// ErrValidation 提交数据不合法（格式、超限），拒绝于任何状态变更之前
	ErrValidation = errors.New("validation failed")
	// ErrCapacity 队列已满，拒绝新任务
	ErrCapacity = errors.New("queue capacity exceeded")
	// ErrNotFound 任务或 worker 不存在（含对已终态任务的 complete/fail 回调）
	ErrNotFound = errors.New("not found")
	// ErrStateConflict 操作与任务当前状态不兼容（如取消已完成的任务）
	ErrStateConflict = errors.New("state conflict")
	// ErrStore 共享存储不可达或超时，操作未被确认
	ErrStore = errors.New("store unavailable")
	// ErrUpstreamRejected 远端后端直接拒绝提交
	ErrUpstreamRejected = errors.New("upstream rejected submission")
	// ErrExecution 后端接受了提交但工作流本身执行失败
	ErrExecution = errors.New("execution failed")
	// ErrDeliveryTimeout max_wait 内未获得结果
	ErrDeliveryTimeout = errors.New("delivery timed out")
	// ErrRoutingAnomaly 后端持续 200 但任务始终不可见（负载均衡路由异常）
	ErrRoutingAnomaly = errors.New("routing anomaly detected")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Validationf 构造带说明的 ErrValidation
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Storef 构造带说明的 ErrStore（底层错误保留在消息里，类别用 ErrStore）
func Storef(err error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, fmt.Sprintf(format, args...), err)
}

// Is errors.Is 的透传，调用方不必同时 import 标准库 errors
func Is(err, target error) bool {
	return errors.Is(err, target)
}
