package instrument

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"labinstr/internal/model"
)

// Decimal is an exact decimal response value.
type Decimal = decimal.Decimal

// ParseFloat converts a response to float64. Surrounding whitespace is
// ignored.
func ParseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", model.ErrValue, s)
	}
	return f, nil
}

// ParseInt converts a response to a float, then truncates toward zero.
func ParseInt(s string) (int64, error) {
	f, err := ParseFloat(s)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %q does not fit an integer", model.ErrValue, s)
	}
	return int64(f), nil
}

// ParseDecimal converts a response such as "+1.2345E-03" to an exact
// decimal.
func ParseDecimal(s string) (Decimal, error) {
	text := strings.TrimPrefix(strings.TrimSpace(s), "+")
	d, err := decimal.NewFromString(text)
	if err != nil {
		return Decimal{}, fmt.Errorf("%w: %q is not a decimal number", model.ErrValue, s)
	}
	return d, nil
}
