package venue

import (
	"github.com/shopspring/decimal"
)

// AlignDown 将数量向下取整到 step 的整数倍。
func AlignDown(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		if qty < 0 {
			return 0
		}
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	v, _ := q.Div(s).Floor().Mul(s).Float64()
	return v
}

// AlignDownAll 数量同时满足多个 step，取整后的结果对每个 step 都是整数倍。
func AlignDownAll(qty float64, steps ...float64) float64 {
	out := qty
	// 步长互相不整除时，交替取整直到稳定
	for i := 0; i < 8; i++ {
		prev := out
		for _, step := range steps {
			out = AlignDown(out, step)
		}
		if out == prev {
			break
		}
	}
	return out
}

// Coarser 返回较粗的步长。
func Coarser(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RoundToTick 价格按方向取整：买单向下，卖单向上，避免穿越盘口。
func RoundToTick(price, tick float64, side Side) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	n := p.Div(t)
	if side == SideBuy {
		n = n.Floor()
	} else {
		n = n.Ceil()
	}
	v, _ := n.Mul(t).Float64()
	return v
}

// ShiftTicks 价格按 ticks 个最小变动单位平移。
func ShiftTicks(price, tick float64, ticks int) float64 {
	if tick <= 0 {
		return price
	}
	v, _ := decimal.NewFromFloat(price).Add(decimal.NewFromFloat(tick).Mul(decimal.NewFromInt(int64(ticks)))).Float64()
	return v
}

// SlippagePrice 吃单限价：买单上浮，卖单下压，再按方向取整到 tick。
func SlippagePrice(ref float64, side Side, slippage, tick float64) float64 {
	if ref <= 0 {
		return 0
	}
	p := decimal.NewFromFloat(ref)
	adj := decimal.NewFromFloat(1 + slippage)
	if side == SideSell {
		adj = decimal.NewFromFloat(1 - slippage)
	}
	v, _ := p.Mul(adj).Float64()
	// 吃单需要更激进的取整：买向上，卖向下
	return RoundToTick(v, tick, side.Opposite())
}

// Dust 数量是否低于可下单的最小值。
func Dust(qty float64, info MarketInfo) bool {
	if qty <= 0 {
		return true
	}
	if info.StepSize > 0 && AlignDown(qty, info.StepSize) <= 0 {
		return true
	}
	return info.MinQty > 0 && qty < info.MinQty
}
