package errors

import "errors"

// ErrOptimisticLock 乐观锁冲突：记录已被其他操作修改
var ErrOptimisticLock = errors.New("数据已被其他操作修改，请刷新后重试")

// ErrInvalidTransition 状态机不允许的迁移（如 completed → pending）
var ErrInvalidTransition = errors.New("不允许的状态迁移")

// ErrStaleState 状态比较失败：记录已不处于期望的前置状态
// 派发循环与答卷提交竞争同一条 Completion 时，失败的一方得到此错误
var ErrStaleState = errors.New("记录状态已变更")
