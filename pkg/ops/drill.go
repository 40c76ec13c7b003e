package ops

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/beorn7/perks/quantile"
)

// Scenario names the staged load profiles the release-gate harness drives:
// a small, closed enum selected at the CLI boundary, not a free-form
// string deep in the harness.
type Scenario string

const (
	ScenarioQuick    Scenario = "quick"
	ScenarioStandard Scenario = "standard"
	ScenarioBurst    Scenario = "burst"
	ScenarioSoak     Scenario = "soak"
	ScenarioM1_1k    Scenario = "m1_1k"
	ScenarioM2_5k    Scenario = "m2_5k"
	ScenarioM3_20k   Scenario = "m3_20k"
)

// Profile is a scenario's concrete drive parameters.
type Profile struct {
	Scenario    Scenario
	Concurrency int
	Requests    int
	Duration    time.Duration
}

// DefaultProfiles is the built-in scenario table; a policy file may
// override individual entries.
var DefaultProfiles = map[Scenario]Profile{
	ScenarioQuick:    {Scenario: ScenarioQuick, Concurrency: 2, Requests: 50, Duration: 10 * time.Second},
	ScenarioStandard: {Scenario: ScenarioStandard, Concurrency: 10, Requests: 500, Duration: time.Minute},
	ScenarioBurst:    {Scenario: ScenarioBurst, Concurrency: 50, Requests: 1000, Duration: 30 * time.Second},
	ScenarioSoak:     {Scenario: ScenarioSoak, Concurrency: 5, Requests: 5000, Duration: 30 * time.Minute},
	ScenarioM1_1k:    {Scenario: ScenarioM1_1k, Concurrency: 20, Requests: 1000, Duration: 2 * time.Minute},
	ScenarioM2_5k:    {Scenario: ScenarioM2_5k, Concurrency: 40, Requests: 5000, Duration: 5 * time.Minute},
	ScenarioM3_20k:   {Scenario: ScenarioM3_20k, Concurrency: 100, Requests: 20000, Duration: 15 * time.Minute},
}

// ProbeSpec is a single synthetic endpoint check.
type ProbeSpec struct {
	Method         string
	Path           string
	ExpectedStatus int
}

// ProbeResult is a probe's outcome.
type ProbeResult struct {
	Spec   ProbeSpec
	Status int
	Err    error
}

// Passed reports whether the probe returned its expected status with no
// transport error.
func (r ProbeResult) Passed() bool {
	return r.Err == nil && r.Status == r.Spec.ExpectedStatus
}

// RunProbes executes each synthetic probe against baseURL in sequence --
// probes are cheap, low-volume sanity checks, not load, so there is no
// value in parallelizing them and every loss of ordering would only make
// failures harder to read.
func RunProbes(ctx context.Context, client *http.Client, baseURL string, specs []ProbeSpec) []ProbeResult {
	results := make([]ProbeResult, 0, len(specs))
	for _, spec := range specs {
		req, err := http.NewRequestWithContext(ctx, spec.Method, baseURL+spec.Path, nil)
		if err != nil {
			results = append(results, ProbeResult{Spec: spec, Err: err})
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			results = append(results, ProbeResult{Spec: spec, Err: err})
			continue
		}
		_ = resp.Body.Close()
		results = append(results, ProbeResult{Spec: spec, Status: resp.StatusCode})
	}
	return results
}

// RequestOutcome is one load-drill request's result, in the shape scenario
// rate/percentile evaluation consumes.
type RequestOutcome struct {
	StatusCode   int
	LatencyMs    float64
	NetworkError bool
}

// ScenarioRates is the set of rate metrics a policy check evaluates,
// matching the component design's `5xxRate`, `networkErrorRate`,
// `unknownStatusRate`, `2xxSuccessRate`, `p95` vocabulary exactly.
type ScenarioRates struct {
	Total             int     `json:"total"`
	FiveXXRate        float64 `json:"5xxRate"`
	NetworkErrorRate  float64 `json:"networkErrorRate"`
	UnknownStatusRate float64 `json:"unknownStatusRate"`
	TwoXXSuccessRate  float64 `json:"2xxSuccessRate"`
	P95Ms             float64 `json:"p95"`
}

// ComputeScenarioRates reduces a drill's raw outcomes to the rate vocabulary
// the policy and burn-rate checks evaluate. An "unknown" status is any
// response outside the 2xx/3xx/4xx/5xx bands that still completed a round
// trip -- in practice this never fires for a compliant HTTP server, but the
// rate is tracked because the component design names it explicitly.
func ComputeScenarioRates(outcomes []RequestOutcome) ScenarioRates {
	rates := ScenarioRates{Total: len(outcomes)}
	if len(outcomes) == 0 {
		return rates
	}

	var fiveXX, networkErr, unknown, twoXX int
	latencies := make([]float64, 0, len(outcomes))
	for _, o := range outcomes {
		if o.NetworkError {
			networkErr++
			continue
		}
		latencies = append(latencies, o.LatencyMs)
		switch {
		case o.StatusCode >= 200 && o.StatusCode < 300:
			twoXX++
		case o.StatusCode >= 500 && o.StatusCode < 600:
			fiveXX++
		case o.StatusCode >= 300 && o.StatusCode < 500:
			// expected non-success band, not "unknown"
		default:
			unknown++
		}
	}

	total := float64(len(outcomes))
	rates.FiveXXRate = float64(fiveXX) / total
	rates.NetworkErrorRate = float64(networkErr) / total
	rates.UnknownStatusRate = float64(unknown) / total
	rates.TwoXXSuccessRate = float64(twoXX) / total
	rates.P95Ms = percentile95(latencies)
	return rates
}

// percentile95 streams latencies through a targeted quantile estimator
// rather than sorting and indexing, the same approach
// github.com/prometheus/client_golang's Summary type uses internally for
// percentile tracking -- a biased-but-bounded-error estimate is the right
// trade for a harness that may stream tens of thousands of samples.
func percentile95(latenciesMs []float64) float64 {
	if len(latenciesMs) == 0 {
		return 0
	}
	stream := quantile.NewTargeted(map[float64]float64{0.95: 0.005})
	for _, v := range latenciesMs {
		stream.Insert(v)
	}
	return stream.Query(0.95)
}

// PolicyThresholds is the pass/fail policy a release gate evaluates a
// scenario's rates against.
type PolicyThresholds struct {
	MaxFiveXXRate        float64
	MaxNetworkErrorRate  float64
	MaxUnknownStatusRate float64
	MinTwoXXSuccessRate  float64
	MaxP95Ms             float64
}

// PolicyCheck is one evaluated threshold.
type PolicyCheck struct {
	Name     string
	Observed float64
	Limit    float64
	Passed   bool
}

// EvaluatePolicy checks every rate metric in the component design's
// vocabulary against its threshold, returning one PolicyCheck per metric so
// a failing gate reports exactly which metric tripped rather than a single
// opaque boolean.
func EvaluatePolicy(rates ScenarioRates, thresholds PolicyThresholds) []PolicyCheck {
	return []PolicyCheck{
		{Name: "5xxRate", Observed: rates.FiveXXRate, Limit: thresholds.MaxFiveXXRate, Passed: rates.FiveXXRate <= thresholds.MaxFiveXXRate},
		{Name: "networkErrorRate", Observed: rates.NetworkErrorRate, Limit: thresholds.MaxNetworkErrorRate, Passed: rates.NetworkErrorRate <= thresholds.MaxNetworkErrorRate},
		{Name: "unknownStatusRate", Observed: rates.UnknownStatusRate, Limit: thresholds.MaxUnknownStatusRate, Passed: rates.UnknownStatusRate <= thresholds.MaxUnknownStatusRate},
		{Name: "2xxSuccessRate", Observed: rates.TwoXXSuccessRate, Limit: thresholds.MinTwoXXSuccessRate, Passed: rates.TwoXXSuccessRate >= thresholds.MinTwoXXSuccessRate},
		{Name: "p95", Observed: rates.P95Ms, Limit: thresholds.MaxP95Ms, Passed: rates.P95Ms <= thresholds.MaxP95Ms},
	}
}

func allPassed(checks []PolicyCheck) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// SLOBaseline is the target success rate a burn-rate check measures
// against; ErrorBudget is derived as 1 - TargetSuccessRate.
type SLOBaseline struct {
	TargetSuccessRate float64
}

func (b SLOBaseline) errorBudget() float64 {
	budget := 1 - b.TargetSuccessRate
	if budget <= 0 {
		return 0.0001
	}
	return budget
}

// errorRate treats any non-2xx outcome (5xx, network error, unknown
// status) as an SLO-consuming error; 3xx/4xx are excluded as they are
// request-driven, not a reliability failure of the gateway itself.
func errorRateFor(rates ScenarioRates) float64 {
	return rates.FiveXXRate + rates.NetworkErrorRate + rates.UnknownStatusRate
}

// BurnRate is observed-error-rate / error-budget, the standard multi-window
// burn-rate formulation: a burn rate of 1 means the budget is being
// consumed exactly as fast as the SLO allows over that window.
func BurnRate(rates ScenarioRates, baseline SLOBaseline) float64 {
	return errorRateFor(rates) / baseline.errorBudget()
}

// BurnRateCheck is the short/long dual-window burn-rate evaluation the
// release gate blocks promotion on.
type BurnRateCheck struct {
	ShortWindowBurnRate      float64
	LongWindowBurnRate       float64
	ShortWindowThreshold     float64
	LongWindowThreshold      float64
	Passed                   bool
}

// EvaluateBurnRate requires both windows to stay under their threshold --
// a short-window spike alone (e.g. a single bad minute inside a soak run)
// should not block promotion if the long window is still healthy, and
// vice versa a slow long-window leak should not be masked by a clean short
// window. Both must pass.
func EvaluateBurnRate(short, long ScenarioRates, baseline SLOBaseline, shortThreshold, longThreshold float64) BurnRateCheck {
	shortBurn := BurnRate(short, baseline)
	longBurn := BurnRate(long, baseline)
	return BurnRateCheck{
		ShortWindowBurnRate:  shortBurn,
		LongWindowBurnRate:   longBurn,
		ShortWindowThreshold: shortThreshold,
		LongWindowThreshold:  longThreshold,
		Passed:               shortBurn <= shortThreshold && longBurn <= longThreshold,
	}
}

// CanaryThresholds bounds how far a candidate's rates may regress from
// control before the canary harness blocks promotion.
type CanaryThresholds struct {
	MaxP95Ratio   float64
	MaxP95DeltaMs float64
	MaxRateDelta  map[string]float64
}

// CanaryComparison is control-vs-candidate regression evaluation.
type CanaryComparison struct {
	P95Ratio   float64
	P95DeltaMs float64
	RateDeltas map[string]float64
	Failures   []string
	Passed     bool
}

// CompareCanary diffs candidate against control across p95 (both ratio and
// absolute delta, since a ratio alone is misleading near-zero latencies)
// and every named rate metric, collecting every threshold breach rather
// than short-circuiting on the first so an operator sees the full
// regression picture in one pass.
func CompareCanary(control, candidate ScenarioRates, thresholds CanaryThresholds) CanaryComparison {
	cmp := CanaryComparison{RateDeltas: map[string]float64{}}

	if control.P95Ms > 0 {
		cmp.P95Ratio = candidate.P95Ms / control.P95Ms
	} else if candidate.P95Ms > 0 {
		cmp.P95Ratio = 1
	} else {
		cmp.P95Ratio = 0
	}
	cmp.P95DeltaMs = candidate.P95Ms - control.P95Ms

	if thresholds.MaxP95Ratio > 0 && cmp.P95Ratio > thresholds.MaxP95Ratio {
		cmp.Failures = append(cmp.Failures, fmt.Sprintf("p95 ratio %.3f exceeds %.3f", cmp.P95Ratio, thresholds.MaxP95Ratio))
	}
	if thresholds.MaxP95DeltaMs > 0 && cmp.P95DeltaMs > thresholds.MaxP95DeltaMs {
		cmp.Failures = append(cmp.Failures, fmt.Sprintf("p95 delta %.1fms exceeds %.1fms", cmp.P95DeltaMs, thresholds.MaxP95DeltaMs))
	}

	rateMetrics := map[string][2]float64{
		"5xxRate":           {control.FiveXXRate, candidate.FiveXXRate},
		"networkErrorRate":  {control.NetworkErrorRate, candidate.NetworkErrorRate},
		"unknownStatusRate": {control.UnknownStatusRate, candidate.UnknownStatusRate},
		"2xxSuccessRate":    {control.TwoXXSuccessRate, candidate.TwoXXSuccessRate},
	}
	names := make([]string, 0, len(rateMetrics))
	for name := range rateMetrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pair := rateMetrics[name]
		delta := pair[1] - pair[0]
		cmp.RateDeltas[name] = delta
		if limit, ok := thresholds.MaxRateDelta[name]; ok && delta > limit {
			cmp.Failures = append(cmp.Failures, fmt.Sprintf("%s delta %.4f exceeds %.4f", name, delta, limit))
		}
	}

	cmp.Passed = len(cmp.Failures) == 0
	return cmp
}

// GateResult is the full release-gate verdict for one scenario run:
// synthetic probes, policy checks, and burn-rate evaluation. Promotion is
// blocked unless every component passes.
type GateResult struct {
	Scenario     Scenario
	Probes       []ProbeResult
	ProbesPassed bool
	PolicyChecks []PolicyCheck
	PolicyPassed bool
	BurnRate     BurnRateCheck
	Passed       bool
}

// EvaluateGate combines probe results, policy checks, and the burn-rate
// check into the single pass/fail verdict a release pipeline gates
// promotion on.
func EvaluateGate(scenario Scenario, probes []ProbeResult, rates ScenarioRates, thresholds PolicyThresholds, burnRate BurnRateCheck) GateResult {
	probesPassed := true
	for _, p := range probes {
		if !p.Passed() {
			probesPassed = false
			break
		}
	}

	checks := EvaluatePolicy(rates, thresholds)
	policyPassed := allPassed(checks)

	return GateResult{
		Scenario:     scenario,
		Probes:       probes,
		ProbesPassed: probesPassed,
		PolicyChecks: checks,
		PolicyPassed: policyPassed,
		BurnRate:     burnRate,
		Passed:       probesPassed && policyPassed && burnRate.Passed,
	}
}
