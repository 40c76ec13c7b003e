package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goslack "github.com/slack-go/slack"
)

// Notifier posts release-gate and canary verdicts to Slack: noop when
// untokened, Block Kit messages, narrowed to the one message type this
// harness sends rather than a full alert/incident/roster surface.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a gate-verdict Notifier. If botToken is empty, the
// notifier is a noop (logging only) -- a drill run must never fail because
// Slack is unconfigured.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

func severityEmoji(passed bool) string {
	if passed {
		return "✅"
	}
	return "🔴"
}

// gateBlocks builds the Block Kit message for a GateResult.
func gateBlocks(result GateResult) []goslack.Block {
	headerText := fmt.Sprintf("%s release gate: %s", severityEmoji(result.Passed), result.Scenario)
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, headerText, true, false),
	)

	var lines []string
	lines = append(lines, fmt.Sprintf("*Probes:* %s", passFailLabel(result.ProbesPassed)))
	lines = append(lines, fmt.Sprintf("*Policy:* %s", passFailLabel(result.PolicyPassed)))
	lines = append(lines, fmt.Sprintf("*Burn rate:* %s (short %.2fx, long %.2fx)",
		passFailLabel(result.BurnRate.Passed), result.BurnRate.ShortWindowBurnRate, result.BurnRate.LongWindowBurnRate))

	summary := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, strings.Join(lines, "\n"), false, false),
		nil, nil,
	)

	blocks := []goslack.Block{header, summary}

	if failing := failingChecks(result.PolicyChecks); failing != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, "*Failing policy checks:*\n"+failing, false, false),
			nil, nil,
		))
	}

	return blocks
}

func passFailLabel(passed bool) string {
	if passed {
		return "pass"
	}
	return "FAIL"
}

func failingChecks(checks []PolicyCheck) string {
	var lines []string
	for _, c := range checks {
		if !c.Passed {
			lines = append(lines, fmt.Sprintf("- %s: observed %.4f vs limit %.4f", c.Name, c.Observed, c.Limit))
		}
	}
	return strings.Join(lines, "\n")
}

// PostGateResult sends a release-gate verdict to the configured channel.
// Returns the channel ID and message timestamp for tracking, same as the
// teacher's PostAlert.
func (n *Notifier) PostGateResult(ctx context.Context, result GateResult) (channelID, ts string, err error) {
	if !n.IsEnabled() {
		if n.logger != nil {
			n.logger.Debug("slack notifier disabled, skipping gate result post", "scenario", result.Scenario, "passed", result.Passed)
		}
		return "", "", nil
	}

	blocks := gateBlocks(result)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("%s release gate %s: %s", severityEmoji(result.Passed), result.Scenario, passFailLabel(result.Passed)), false),
	}

	channelID, ts, err = n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return "", "", fmt.Errorf("posting gate result to slack: %w", err)
	}

	if n.logger != nil {
		n.logger.Info("posted gate result to slack", "scenario", result.Scenario, "passed", result.Passed, "channel", channelID, "ts", ts)
	}
	return channelID, ts, nil
}

// PostCanaryResult sends a canary comparison verdict to the configured
// channel.
func (n *Notifier) PostCanaryResult(ctx context.Context, cmp CanaryComparison) (channelID, ts string, err error) {
	if !n.IsEnabled() {
		if n.logger != nil {
			n.logger.Debug("slack notifier disabled, skipping canary result post", "passed", cmp.Passed)
		}
		return "", "", nil
	}

	headerText := fmt.Sprintf("%s canary comparison", severityEmoji(cmp.Passed))
	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType, headerText, true, false))

	body := fmt.Sprintf("*p95 ratio:* %.3f\n*p95 delta:* %.1fms", cmp.P95Ratio, cmp.P95DeltaMs)
	if len(cmp.Failures) > 0 {
		body += "\n\n*Failures:*\n- " + strings.Join(cmp.Failures, "\n- ")
	}
	section := goslack.NewSectionBlock(goslack.NewTextBlockObject(goslack.MarkdownType, body, false, false), nil, nil)

	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(header, section),
		goslack.MsgOptionText(fmt.Sprintf("%s canary comparison: %s", severityEmoji(cmp.Passed), passFailLabel(cmp.Passed)), false),
	}

	channelID, ts, err = n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return "", "", fmt.Errorf("posting canary result to slack: %w", err)
	}
	return channelID, ts, nil
}
