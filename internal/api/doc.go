// Package api 提供对外的 REST 接口层。
// 它只做请求解析、租户提取与错误码映射，业务语义全部在 orchestrator 中。
package api
