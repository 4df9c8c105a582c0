package biz

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
)

// 错误原因，供 API 层区分
const (
	ReasonInvalidArgument   = "INVALID_ARGUMENT"
	ReasonPartitionNotFound = "PARTITION_NOT_FOUND"
	ReasonUnknownBranch     = "UNKNOWN_BRANCH"
	ReasonPartialFailure    = "PARTIAL_FAILURE"
	ReasonRunNotFound       = "RUN_NOT_FOUND"
)

// ErrInvalidArgument 非法参数（模式、阶段、日期范围等），用于 errors.Is 比较
var ErrInvalidArgument = errors.BadRequest(ReasonInvalidArgument, "invalid argument")

func invalidArgument(format string, args ...interface{}) error {
	return errors.BadRequest(ReasonInvalidArgument, fmt.Sprintf(format, args...))
}

// IsInvalidArgument 判断是否为非法参数错误
func IsInvalidArgument(err error) bool {
	return errors.Reason(err) == ReasonInvalidArgument
}

// NewPartitionNotFound 请求范围存在缺口时 Load 返回的错误
func NewPartitionNotFound(domain string, stage Stage, missing []DateRange) error {
	parts := make([]string, 0, len(missing))
	for _, r := range missing {
		parts = append(parts, r.Key())
	}
	return errors.NotFound(ReasonPartitionNotFound,
		fmt.Sprintf("%s/%s has no completed partitions for %s", domain, stage, strings.Join(parts, ","))).
		WithMetadata(map[string]string{
			"domain":  domain,
			"stage":   string(stage),
			"missing": strings.Join(parts, ","),
		})
}

// NewRunNotFound 运行记录不存在
func NewRunNotFound(id string) error {
	return errors.NotFound(ReasonRunNotFound, fmt.Sprintf("run %s not found", id))
}

// IsRunNotFound 判断是否为运行记录不存在错误
func IsRunNotFound(err error) bool {
	return errors.Reason(err) == ReasonRunNotFound
}

// IsPartitionNotFound 判断是否为分区缺失错误
func IsPartitionNotFound(err error) bool {
	return errors.IsNotFound(err) && errors.Reason(err) == ReasonPartitionNotFound
}

// ConfigError 配置错误，启动时即失败
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Msg
}

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// UnknownBranchError 分店名称未在配置中注册
type UnknownBranchError struct {
	Branch string
}

func (e *UnknownBranchError) Error() string {
	return fmt.Sprintf("unknown branch %q", e.Branch)
}

// UnknownBranchCodeError 分店在指定日期没有有效编码
type UnknownBranchCodeError struct {
	Branch string
	Date   time.Time
}

func (e *UnknownBranchCodeError) Error() string {
	return fmt.Sprintf("branch %q has no code valid on %s", e.Branch, FormatDate(e.Date))
}

// StageExecutionError 单个分区的阶段执行失败
type StageExecutionError struct {
	Domain string
	Stage  Stage
	Range  DateRange
	Err    error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("%s/%s %s failed: %v", e.Domain, e.Stage, e.Range, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// PartialFailureError 严格模式下存在失败分区时返回，Result 中仍带有已完成的数据
type PartialFailureError struct {
	Domain   string
	Stage    Stage
	Failed   []DateRange
	Failures []*StageExecutionError
	Result   *FetchResult
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, r := range e.Failed {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("%s/%s completed partially, %d failed range(s): %s",
		e.Domain, e.Stage, len(e.Failed), strings.Join(parts, " "))
}
