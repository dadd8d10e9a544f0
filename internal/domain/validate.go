package domain

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

var (
	minPercentage = decimal.Zero
	maxPercentage = decimal.NewFromInt(100)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	return v
}

// FieldErrors flattens validator output into field -> message pairs.
func FieldErrors(err error) map[string]string {
	details := map[string]string{}
	if err == nil {
		return details
	}
	if errs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range errs {
			details[fe.Field()] = validationMessage(fe)
		}
		return details
	}
	for i, e := range multierr.Errors(err) {
		details[fmt.Sprintf("error_%d", i)] = e.Error()
	}
	return details
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func (t MerchantTransaction) Validate() error {
	if err := validate.Struct(t); err != nil {
		return err
	}
	if strings.TrimSpace(t.TransactionCode) == "" {
		return fmt.Errorf("transactionCode is blank")
	}
	if t.TransactionDate.IsZero() {
		return fmt.Errorf("transactionDate is required")
	}
	return nil
}

func (t AgentTransaction) Validate() error {
	if err := validate.Struct(t); err != nil {
		return err
	}
	if strings.TrimSpace(t.TransactionCode) == "" {
		return fmt.Errorf("transactionCode is blank")
	}
	return nil
}

func (m Merchant) Validate() error {
	return validate.Struct(m)
}

// ValidPercentage reports whether pct lies in [0,100].
func ValidPercentage(pct decimal.Decimal) bool {
	return !pct.LessThan(minPercentage) && !pct.GreaterThan(maxPercentage)
}

// Validate checks required fields and that every rate, flat or per point of
// sale, lies in [0,100]. All out-of-range rates are reported together.
func (a Agent) Validate() error {
	if err := validate.Struct(a); err != nil {
		return err
	}

	var errs error
	for _, method := range sortedKeys(a.DiscountRates) {
		if pct := a.DiscountRates[method]; !ValidPercentage(pct) {
			errs = multierr.Append(errs, fmt.Errorf("discountRates[%s]=%s out of range", method, pct))
		}
	}
	for _, pos := range sortedKeys(a.DiscountRatesByPointOfSale) {
		rates := a.DiscountRatesByPointOfSale[pos]
		for _, method := range sortedKeys(rates) {
			if pct := rates[method]; !ValidPercentage(pct) {
				errs = multierr.Append(errs, fmt.Errorf("discountRatesByPointOfSale[%s][%s]=%s out of range", pos, method, pct))
			}
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateStruct runs the struct tag rules on any request or entity value.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
