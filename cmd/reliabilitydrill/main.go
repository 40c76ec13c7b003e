// Command reliabilitydrill runs the release-gate and canary harness
// described by the ops snapshot's probe/load-drill/policy vocabulary
// against a running gateway. It never touches the gateway's own process --
// it is a synthetic HTTP client driven entirely from flags and a policy
// file.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sendcat/chat-gateway/internal/telemetry"
	"github.com/sendcat/chat-gateway/pkg/ops"
)

func main() {
	var (
		baseURL      = flag.String("base-url", "http://localhost:8080", "gateway base URL to drive")
		candidateURL = flag.String("candidate-url", "", "candidate base URL; if set, runs canary mode comparing base-url (control) against this")
		scenario     = flag.String("scenario", string(ops.ScenarioQuick), "load scenario: quick, standard, burst, soak, m1_1k, m2_5k, m3_20k")
		policyPath   = flag.String("policy", "", "path to a JSON policy file (required)")
		slackToken   = flag.String("slack-token", os.Getenv("SLACK_BOT_TOKEN"), "Slack bot token for posting the verdict (overrides SLACK_BOT_TOKEN)")
		slackChannel = flag.String("slack-channel", os.Getenv("SLACK_ALERT_CHANNEL"), "Slack channel for posting the verdict (overrides SLACK_ALERT_CHANNEL)")
		metricsAddr  = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address for metrics-hold before exiting")
		metricsHold  = flag.Duration("metrics-hold", 5*time.Second, "how long to keep metrics-addr up after evaluation, for a scrape to land")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *policyPath == "" {
		fmt.Fprintln(os.Stderr, "error: -policy is required")
		os.Exit(2)
	}

	policy, err := loadPolicyFile(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading policy file: %v\n", err)
		os.Exit(2)
	}

	profile, ok := ops.DefaultProfiles[ops.Scenario(*scenario)]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown scenario %q\n", *scenario)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 30 * time.Second}
	notifier := ops.NewNotifier(*slackToken, *slackChannel, logger)

	var exitCode int
	if *candidateURL != "" {
		exitCode = runCanary(ctx, logger, client, notifier, policy, profile, *baseURL, *candidateURL)
	} else {
		exitCode = runGate(ctx, logger, client, notifier, policy, profile, *baseURL)
	}

	if *metricsAddr != "" {
		serveMetricsBriefly(*metricsAddr, *metricsHold, logger)
	}

	os.Exit(exitCode)
}

// policyFile is the on-disk shape the release gate and canary checks read
// their thresholds from; JSON rather than a bespoke format since the
// harness's only consumer is this CLI and an operator hand-editing it.
type policyFile struct {
	Probes []ops.ProbeSpec `json:"probes"`
	Policy struct {
		MaxFiveXXRate        float64 `json:"maxFiveXXRate"`
		MaxNetworkErrorRate  float64 `json:"maxNetworkErrorRate"`
		MaxUnknownStatusRate float64 `json:"maxUnknownStatusRate"`
		MinTwoXXSuccessRate  float64 `json:"minTwoXXSuccessRate"`
		MaxP95Ms             float64 `json:"maxP95Ms"`
	} `json:"policy"`
	SLO struct {
		TargetSuccessRate float64 `json:"targetSuccessRate"`
	} `json:"slo"`
	BurnRate struct {
		ShortWindowThreshold float64 `json:"shortWindowThreshold"`
		LongWindowThreshold  float64 `json:"longWindowThreshold"`
		ShortWindowFraction  float64 `json:"shortWindowFraction"`
	} `json:"burnRate"`
	Canary struct {
		MaxP95Ratio   float64            `json:"maxP95Ratio"`
		MaxP95DeltaMs float64            `json:"maxP95DeltaMs"`
		MaxRateDelta  map[string]float64 `json:"maxRateDelta"`
	} `json:"canary"`
	ChatPayload json.RawMessage `json:"chatPayload"`
}

func loadPolicyFile(path string) (policyFile, error) {
	var pf policyFile
	data, err := os.ReadFile(path)
	if err != nil {
		return pf, err
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		return pf, fmt.Errorf("parsing %s: %w", path, err)
	}
	if pf.BurnRate.ShortWindowFraction <= 0 || pf.BurnRate.ShortWindowFraction >= 1 {
		pf.BurnRate.ShortWindowFraction = 0.2
	}
	if len(pf.ChatPayload) == 0 {
		pf.ChatPayload = json.RawMessage(`{"threadId":"drill","content":"ping","modelId":"","webSearch":false}`)
	}
	return pf, nil
}

// runGate drives one scenario against baseURL and evaluates the release
// gate: probes, policy thresholds, and a burn-rate check splitting the
// drill's own outcomes into an early short window and the full long
// window.
func runGate(ctx context.Context, logger *slog.Logger, client *http.Client, notifier *ops.Notifier, pf policyFile, profile ops.Profile, baseURL string) int {
	logger.Info("running release gate", "scenario", profile.Scenario, "base_url", baseURL)

	probeResults := ops.RunProbes(ctx, client, baseURL, pf.Probes)
	outcomes := driveLoad(ctx, client, baseURL, pf.ChatPayload, profile)

	shortN := int(float64(len(outcomes)) * pf.BurnRate.ShortWindowFraction)
	if shortN < 1 && len(outcomes) > 0 {
		shortN = 1
	}
	shortRates := ops.ComputeScenarioRates(outcomes[:shortN])
	longRates := ops.ComputeScenarioRates(outcomes)

	thresholds := ops.PolicyThresholds{
		MaxFiveXXRate:        pf.Policy.MaxFiveXXRate,
		MaxNetworkErrorRate:  pf.Policy.MaxNetworkErrorRate,
		MaxUnknownStatusRate: pf.Policy.MaxUnknownStatusRate,
		MinTwoXXSuccessRate:  pf.Policy.MinTwoXXSuccessRate,
		MaxP95Ms:             pf.Policy.MaxP95Ms,
	}
	burnCheck := ops.EvaluateBurnRate(shortRates, longRates, ops.SLOBaseline{TargetSuccessRate: pf.SLO.TargetSuccessRate}, pf.BurnRate.ShortWindowThreshold, pf.BurnRate.LongWindowThreshold)

	result := ops.EvaluateGate(profile.Scenario, probeResults, longRates, thresholds, burnCheck)

	outcome := "fail"
	if result.Passed {
		outcome = "pass"
	}
	telemetry.ReliabilityGateEvaluationsTotal.WithLabelValues(outcome).Inc()

	if _, _, err := notifier.PostGateResult(ctx, result); err != nil {
		logger.Warn("posting gate result to slack failed", "error", err)
	}

	printJSON(result)
	if !result.Passed {
		return 1
	}
	return 0
}

// runCanary drives the same scenario against both a control and a
// candidate base URL and compares their rates.
func runCanary(ctx context.Context, logger *slog.Logger, client *http.Client, notifier *ops.Notifier, pf policyFile, profile ops.Profile, controlURL, candidateURL string) int {
	logger.Info("running canary comparison", "scenario", profile.Scenario, "control", controlURL, "candidate", candidateURL)

	controlOutcomes := driveLoad(ctx, client, controlURL, pf.ChatPayload, profile)
	candidateOutcomes := driveLoad(ctx, client, candidateURL, pf.ChatPayload, profile)

	controlRates := ops.ComputeScenarioRates(controlOutcomes)
	candidateRates := ops.ComputeScenarioRates(candidateOutcomes)

	cmp := ops.CompareCanary(controlRates, candidateRates, ops.CanaryThresholds{
		MaxP95Ratio:   pf.Canary.MaxP95Ratio,
		MaxP95DeltaMs: pf.Canary.MaxP95DeltaMs,
		MaxRateDelta:  pf.Canary.MaxRateDelta,
	})

	outcome := "fail"
	if cmp.Passed {
		outcome = "pass"
	}
	telemetry.ReliabilityGateEvaluationsTotal.WithLabelValues(outcome).Inc()

	if _, _, err := notifier.PostCanaryResult(ctx, cmp); err != nil {
		logger.Warn("posting canary result to slack failed", "error", err)
	}

	printJSON(cmp)
	if !cmp.Passed {
		return 1
	}
	return 0
}

// driveLoad sends profile.Requests POST /api/chat requests across
// profile.Concurrency workers, stopping early if ctx is cancelled or
// profile.Duration elapses. Outcomes preserve send order within each
// worker but not globally -- fine here since ComputeScenarioRates and the
// burn-rate split only care about aggregate counts and an early-fraction
// window, not strict request ordering.
func driveLoad(ctx context.Context, client *http.Client, baseURL string, payload json.RawMessage, profile ops.Profile) []ops.RequestOutcome {
	drillCtx, cancel := context.WithTimeout(ctx, profile.Duration)
	defer cancel()

	jobs := make(chan struct{}, profile.Requests)
	for i := 0; i < profile.Requests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	results := make(chan ops.RequestOutcome, profile.Requests)
	var wg sync.WaitGroup
	for w := 0; w < profile.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				select {
				case <-drillCtx.Done():
					return
				default:
				}
				results <- sendOne(drillCtx, client, baseURL, payload)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]ops.RequestOutcome, 0, profile.Requests)
	for r := range results {
		outcomes = append(outcomes, r)
	}
	return outcomes
}

func sendOne(ctx context.Context, client *http.Client, baseURL string, payload json.RawMessage) ops.RequestOutcome {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return ops.RequestOutcome{NetworkError: true}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer drill-"+jitterSuffix())

	resp, err := client.Do(req)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return ops.RequestOutcome{LatencyMs: latencyMs, NetworkError: true}
	}
	defer resp.Body.Close()
	return ops.RequestOutcome{StatusCode: resp.StatusCode, LatencyMs: latencyMs}
}

// jitterSuffix varies the drill's synthetic bearer token per request so
// admission's per-principal caps don't treat every drill request as the
// same user.
func jitterSuffix() string {
	return fmt.Sprintf("%d", rand.Int63())
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func serveMetricsBriefly(addr string, hold time.Duration, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server failed", "error", err)
		}
	}()
	time.Sleep(hold)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
