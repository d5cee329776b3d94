// Package policy derives follower order drafts from master orders under a
// copy policy. The transform is pure: identical inputs produce identical
// drafts, so retries and replays agree on quantity.
package policy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"copytrade/internal/domain"
)

// Input is everything one transform needs. Balance and Mark are resolved by
// the caller; Mark may be zero when no mark is known.
type Input struct {
	Master  domain.Order
	Link    domain.FollowerLink
	Balance decimal.Decimal // follower's available balance
	Mark    decimal.Decimal // last-known mark for the symbol
	LotSize int64
}

// Skip explains why no follower order should be placed.
type Skip struct {
	Reason string // domain.SkipTooSmall or domain.SkipNotionalCap
	Detail string
}

// Transform maps a master order onto a follower draft. A nil Skip means the
// draft should proceed; otherwise it carries the recorded skip reason. Side,
// type, symbol, exchange, price and trigger are preserved verbatim; only the
// quantity is derived.
func Transform(in Input) (domain.Order, *Skip) {
	qty, skip := quantity(in)
	if skip != nil {
		return domain.Order{}, skip
	}

	qty = floorToLot(qty, in.LotSize)
	if qty <= 0 {
		return domain.Order{}, &Skip{
			Reason: domain.SkipTooSmall,
			Detail: fmt.Sprintf("quantity floored to zero by lot size %d", in.LotSize),
		}
	}

	draft := domain.Order{
		Account:      in.Link.FollowerAccount,
		ParentID:     in.Master.ID,
		Side:         in.Master.Side,
		Type:         in.Master.Type,
		Symbol:       in.Master.Symbol,
		Exchange:     in.Master.Exchange,
		Segment:      in.Master.Segment,
		Quantity:     qty,
		Price:        in.Master.Price,
		TriggerPrice: in.Master.TriggerPrice,
		Product:      in.Master.Product,
		Validity:     in.Master.Validity,
		Status:       domain.OrderStatusPending,
	}

	if cap := in.Link.MaxOrderNotional; cap.Sign() > 0 {
		if notional := draft.Notional(in.Mark); notional.GreaterThan(cap) {
			return domain.Order{}, &Skip{
				Reason: domain.SkipNotionalCap,
				Detail: fmt.Sprintf("notional %s exceeds link cap %s", notional, cap),
			}
		}
	}

	return draft, nil
}

// quantity derives the raw follower quantity for the link's policy variant.
func quantity(in Input) (int64, *Skip) {
	switch in.Link.Policy {
	case domain.PolicyFixedRatio:
		q := decimal.NewFromInt(in.Master.Quantity).Mul(in.Link.Ratio).Round(0).IntPart()
		if q <= 0 {
			return 0, &Skip{
				Reason: domain.SkipTooSmall,
				Detail: fmt.Sprintf("%d × ratio %s rounds to zero", in.Master.Quantity, in.Link.Ratio),
			}
		}
		return q, nil

	case domain.PolicyPercentage:
		ref := referencePrice(in)
		if ref.Sign() <= 0 {
			return 0, &Skip{
				Reason: domain.SkipTooSmall,
				Detail: "no reference price for percentage sizing",
			}
		}
		budget := in.Balance.Mul(in.Link.Percent).Div(decimal.NewFromInt(100))
		q := budget.Div(ref).Floor().IntPart()
		if q <= 0 {
			return 0, &Skip{
				Reason: domain.SkipTooSmall,
				Detail: fmt.Sprintf("%s%% of balance %s buys zero at %s", in.Link.Percent, in.Balance, ref),
			}
		}
		return q, nil

	case domain.PolicyFixedQuantity:
		if in.Link.FixedQuantity <= 0 {
			return 0, &Skip{Reason: domain.SkipTooSmall, Detail: "fixed quantity is zero"}
		}
		return in.Link.FixedQuantity, nil

	default:
		return 0, &Skip{
			Reason: domain.SkipTooSmall,
			Detail: fmt.Sprintf("unknown policy %q", in.Link.Policy),
		}
	}
}

// referencePrice is the master limit price when set, else the last-known
// mark.
func referencePrice(in Input) decimal.Decimal {
	if in.Master.Price.Sign() > 0 {
		return in.Master.Price
	}
	return in.Mark
}

func floorToLot(qty, lot int64) int64 {
	if lot <= 1 {
		return qty
	}
	return qty - qty%lot
}
