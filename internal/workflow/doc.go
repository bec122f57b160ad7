// Package workflow 提供工作流定义、校验与执行引擎。
//
// 工作流由带依赖关系的步骤组成，引擎按依赖顺序分波执行步骤，
// 支持步骤级重试、并行分发以及部分失败语义。定义与执行记录
// 通过 Store 接口持久化，内置内存与 MySQL 两种实现。
package workflow
