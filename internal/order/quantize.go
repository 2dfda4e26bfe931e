package order

import (
	"fmt"

	"execution_bot/internal/core"

	"github.com/shopspring/decimal"
)

// ValidationError reports an intent that fails the venue trading rules.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order validation failed on %s: %s", e.Field, e.Message)
}

// Quantize snaps price to the tick and qty to the step, rounding toward zero
// so the order never exceeds the intended notional.
func Quantize(rules core.SymbolRules, price, qty decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	qPrice := price
	if rules.PriceTick.IsPositive() {
		qPrice = price.Div(rules.PriceTick).Floor().Mul(rules.PriceTick)
	}
	qQty := qty
	if rules.QtyStep.IsPositive() {
		qQty = qty.Div(rules.QtyStep).Floor().Mul(rules.QtyStep)
	}
	return qPrice, qQty
}

// ValidateQuantized checks the quantized values against the venue bounds.
func ValidateQuantized(rules core.SymbolRules, price, qty decimal.Decimal) error {
	if !price.IsPositive() {
		return &ValidationError{Field: "price", Message: "price must be positive after quantization"}
	}
	if !qty.IsPositive() {
		return &ValidationError{Field: "qty", Message: "quantity must be positive after quantization"}
	}
	if rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
		return &ValidationError{Field: "qty", Message: fmt.Sprintf("quantity %s below minimum %s", qty, rules.MinQty)}
	}
	if rules.MaxQty.IsPositive() && qty.GreaterThan(rules.MaxQty) {
		return &ValidationError{Field: "qty", Message: fmt.Sprintf("quantity %s above maximum %s", qty, rules.MaxQty)}
	}
	if rules.MinNotional.IsPositive() {
		notional := price.Mul(qty)
		if notional.LessThan(rules.MinNotional) {
			return &ValidationError{Field: "notional", Message: fmt.Sprintf("notional %s below minimum %s", notional, rules.MinNotional)}
		}
	}
	return nil
}
