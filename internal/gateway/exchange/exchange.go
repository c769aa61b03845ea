// Package exchange 提供下单执行端：REST 交易网关与本地模拟盘。
//
// 约定：明确拒绝返回 *types.Rejection；网络错误、超时与 5xx 返回普通 error，
// 由调用方归类为 unknown。
package exchange

import (
	"context"

	"arena/internal/types"
)

type Exchange interface {
	Name() string

	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.ExecResult, error)
}
