package orders

import (
	"github.com/atlas-research/edge-engine/internal/errs"
	"github.com/atlas-research/edge-engine/pkg/types"
)

// Validate rejects a malformed order before any network I/O, per spec.md
// §4.4. It never touches the store or the gateway.
func Validate(o types.Order) error {
	if o.Symbol == "" {
		return &errs.ValidationError{Field: "symbol", Message: "must not be empty"}
	}
	if o.Side != types.OrderSideBuy && o.Side != types.OrderSideSell {
		return &errs.ValidationError{Field: "side", Message: "must be BUY or SELL"}
	}
	if !o.TotalQuantity.IsPositive() {
		return &errs.ValidationError{Field: "totalQuantity", Message: "must be positive"}
	}

	switch o.Type {
	case types.OrderTypeLimit, types.OrderTypeStopLimit, types.OrderTypeTrailLimit:
		if o.LimitPrice == nil {
			return &errs.ValidationError{Field: "limitPrice", Message: "required for " + string(o.Type)}
		}
	}

	switch o.Type {
	case types.OrderTypeStop, types.OrderTypeStopLimit:
		if o.AuxPrice == nil {
			return &errs.ValidationError{Field: "auxPrice", Message: "stop trigger required for " + string(o.Type)}
		}
	}

	switch o.Type {
	case types.OrderTypeTrail, types.OrderTypeTrailLimit:
		hasAux := o.AuxPrice != nil
		hasPct := o.TrailingPercent != nil
		if hasAux == hasPct {
			return &errs.ValidationError{Field: "auxPrice/trailingPercent", Message: "exactly one of trailing amount or trailing percent is required for " + string(o.Type)}
		}
	}

	if o.OCAGroup != "" {
		switch o.OCAType {
		case types.OCACancelWithBlock, types.OCAReduceWithBlock, types.OCAReduceWithoutBlock:
		default:
			return &errs.ValidationError{Field: "ocaType", Message: "must be 1, 2, or 3 when an OCA group is present"}
		}
	}

	if o.DiscretionaryAmount != nil && o.Type != types.OrderTypeRelative {
		return &errs.ValidationError{Field: "discretionaryAmount", Message: "only valid for REL orders"}
	}

	return nil
}

func isKnownOrderType(t types.OrderType) bool {
	switch t {
	case types.OrderTypeMarket, types.OrderTypeLimit, types.OrderTypeStop,
		types.OrderTypeStopLimit, types.OrderTypeTrail, types.OrderTypeTrailLimit,
		types.OrderTypeRelative:
		return true
	}
	return false
}
