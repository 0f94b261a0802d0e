package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/sosodev/duration"
	"github.com/zclconf/go-cty/cty"
)

// IsExpressionProvided reports whether an optional expression attribute was
// set. gohcl fills unset ones with an empty expression whose range has zero
// length.
func IsExpressionProvided(expr hcl.Expression) bool {
	return expr != nil && expr.Range().End.Byte > expr.Range().Start.Byte
}

// ParseDuration evaluates expr as a duration. Numbers are seconds, strings
// starting with "P" are ISO 8601 durations and any other string uses Go's
// duration syntax. Negative durations are rejected.
func (c *Config) ParseDuration(expr hcl.Expression) (time.Duration, hcl.Diagnostics) {
	val, diags := expr.Value(c.evalCtx)
	if diags.HasErrors() {
		return 0, diags
	}

	d, durDiags := durationFromValue(val, expr.Range())
	return d, diags.Extend(durDiags)
}

func durationFromValue(val cty.Value, rng hcl.Range) (time.Duration, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	var d time.Duration

	if val.IsNull() {
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration type",
			Detail:   "Duration must be a number (seconds) or string, got null",
			Subject:  rng.Ptr(),
		})
	}

	switch val.Type() {
	case cty.Number:
		seconds, accuracy := val.AsBigFloat().Float64()
		if accuracy != big.Exact {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagWarning,
				Summary:  "Duration precision loss",
				Detail:   "The number provided for duration may have lost precision when converted to seconds",
				Subject:  rng.Ptr(),
			})
		}
		d = time.Duration(seconds * float64(time.Second))

	case cty.String:
		str := strings.TrimSpace(val.AsString())

		if strings.HasPrefix(str, "P") {
			iso, err := duration.Parse(str)
			if err != nil {
				return 0, diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid ISO 8601 duration",
					Detail:   fmt.Sprintf("Failed to parse ISO 8601 duration '%s': %v", str, err),
					Subject:  rng.Ptr(),
				})
			}
			d = iso.ToTimeDuration()
		} else {
			var err error
			d, err = time.ParseDuration(str)
			if err != nil {
				return 0, diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid duration format",
					Detail:   fmt.Sprintf("Failed to parse duration '%s': %v. Expected a number (seconds), ISO 8601 duration (e.g., 'PT5M'), or Go duration (e.g., '5m')", str, err),
					Subject:  rng.Ptr(),
				})
			}
		}

	default:
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration type",
			Detail:   fmt.Sprintf("Duration must be a number (seconds) or string, got %s", val.Type().FriendlyName()),
			Subject:  rng.Ptr(),
		})
	}

	if d < 0 {
		return 0, diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid duration",
			Detail:   "Duration must be positive",
			Subject:  rng.Ptr(),
		})
	}

	return d, diags
}

// optionalDuration is ParseDuration for an attribute that may be absent, in
// which case it returns 0.
func (c *Config) optionalDuration(expr hcl.Expression) (time.Duration, hcl.Diagnostics) {
	if !IsExpressionProvided(expr) {
		return 0, nil
	}
	return c.ParseDuration(expr)
}
