package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/tradegate/internal/types"
)

// Check is a single conformance probe result.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of validating an adapter against the
// contract. Score is the percentage of checks passed; only a score of
// 100 is accepted for registration.
type Report struct {
	Venue  string  `json:"venue"`
	Checks []Check `json:"checks"`
	Score  float64 `json:"score"`
}

// Passed reports full conformance.
func (r *Report) Passed() bool {
	return r.Score >= 100
}

func (r *Report) add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: detail})
}

// taxonomyError reports whether err is a classified adapter error, as
// opposed to ErrNotSupported or an unclassified failure.
func taxonomyError(err error) bool {
	_, ok := types.AsAdapterError(err)
	return ok
}

// ValidateAdapter mechanically probes an adapter instance: every
// required operation must be backed by a real implementation (not a
// declared-but-unsupported stub), declared capabilities must be
// consistent with behavior, and responses must be well-formed.
func ValidateAdapter(ctx context.Context, a Adapter) *Report {
	report := &Report{Venue: a.Name()}

	report.add("name", a.Name() != "", "venue name must be non-empty")

	caps := a.Capabilities()
	report.add("capabilities_declared", len(caps) > 0, "capability set must be declared")

	missing := ""
	for _, required := range RequiredCapabilities {
		if !caps.Has(required) {
			missing = string(required)
			break
		}
	}
	report.add("required_capabilities", missing == "", "missing required capability: "+missing)

	limits := a.RateLimits()
	report.add("rate_limits", limits.RequestsPerSecond > 0, "rate limits must be declared")

	if err := a.Connect(ctx); err != nil {
		report.add("connect", false, err.Error())
	} else {
		report.add("connect", true, "")
		report.add("healthy_after_connect", a.IsHealthy(), "adapter must report healthy once connected")
	}

	if err := a.Authenticate(ctx); err != nil {
		report.add("authenticate", false, err.Error())
	} else {
		report.add("authenticate", true, "")
	}

	// Read operations must work when their capability is declared and
	// return ErrNotSupported when it is not.
	_, mdErr := a.GetMarketData(ctx, "PROBE")
	report.add("market_data", checkAgainstCaps(caps.Has(CapMarketData), mdErr),
		"market data behavior must match declared capability")

	_, obErr := a.GetOrderBook(ctx, "PROBE", 1)
	report.add("order_book", checkAgainstCaps(caps.Has(CapOrderBook), obErr),
		"order book behavior must match declared capability")

	_, balErr := a.GetBalance(ctx)
	report.add("balance", checkAgainstCaps(caps.Has(CapAccount), balErr),
		"balance behavior must match declared capability")

	// Order operations are probed with a sentinel id: a conforming
	// trading venue answers with a classified taxonomy error (order
	// not found), never ErrNotSupported.
	probeID := "conformance-probe"

	_, getErr := a.GetOrder(ctx, probeID, "PROBE")
	report.add("get_order", caps.Has(CapTrading) && taxonomyError(getErr),
		"get order must be implemented with classified errors")

	cancelResp, cancelErr := a.CancelOrder(ctx, probeID, "PROBE")
	cancelOK := caps.Has(CapTrading) && !errors.Is(cancelErr, ErrNotSupported) &&
		(cancelErr == nil || taxonomyError(cancelErr)) &&
		(cancelResp == nil || cancelResp.Success || cancelResp.Error != nil)
	report.add("cancel_order", cancelOK,
		"cancel order must be implemented with a well-formed envelope")

	_, histErr := a.GetOrderHistory(ctx, "PROBE", time.Now().Add(-time.Minute))
	histOK := caps.Has(CapHistory) && !errors.Is(histErr, ErrNotSupported) &&
		(histErr == nil || taxonomyError(histErr))
	report.add("order_history", histOK,
		"order history must be implemented for reconciliation")

	passed := 0
	for _, check := range report.Checks {
		if check.Passed {
			passed++
		}
	}
	report.Score = float64(passed) / float64(len(report.Checks)) * 100

	return report
}

// checkAgainstCaps validates declared-vs-actual behavior for an
// optional read operation.
func checkAgainstCaps(declared bool, err error) bool {
	if declared {
		return err == nil || taxonomyError(err)
	}
	return errors.Is(err, ErrNotSupported)
}
