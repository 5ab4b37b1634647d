package notification

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/cubelink/internal/domain"
	"github.com/jkaninda/cubelink/internal/instruction"
	"github.com/jkaninda/cubelink/internal/transport"
)

// Run outcomes that can raise an alert.
const (
	OutcomeFailed    = "failed"     // Delivery failed.
	OutcomeCodeError = "code_error" // The program faulted.
	OutcomeTimedOut  = "timed_out"  // The program overran its deadline.
	OutcomeUncleared = "uncleared"  // The display may still be lit.
)

const sendTimeout = 10 * time.Second

// RunNotifier alerts on finished runs whose outcome is selected.
type RunNotifier struct {
	dispatcher *Dispatcher
	outcomes   []string
	logger     *slog.Logger
}

// NewRunNotifier creates a notifier for the given outcomes.
func NewRunNotifier(d *Dispatcher, outcomes []string, logger *slog.Logger) *RunNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunNotifier{dispatcher: d, outcomes: outcomes, logger: logger}
}

// RunFinished sends one message when the run matches any selected outcome.
func (n *RunNotifier) RunFinished(ctx context.Context, run *domain.Run) {
	matched := n.match(run)
	if len(matched) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	errs := n.dispatcher.Notify(ctx, runMessage(run, matched))
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		n.logger.Warn("run alert not delivered everywhere",
			slog.String("run_id", run.ID.String()),
			slog.Int("failed_channels", failed),
			slog.Int("channels", len(errs)),
		)
	}
}

func (n *RunNotifier) match(run *domain.Run) []string {
	var out []string
	for _, o := range Outcomes(run) {
		if slices.Contains(n.outcomes, o) {
			out = append(out, o)
		}
	}
	return out
}

// Outcomes lists the alertable outcomes of a finished run.
func Outcomes(run *domain.Run) []string {
	var out []string
	if run.Status == domain.RunFailed {
		out = append(out, OutcomeFailed)
	}
	switch instruction.Status(run.ExecStatus) {
	case instruction.StatusError:
		out = append(out, OutcomeCodeError)
	case instruction.StatusTimedOut:
		out = append(out, OutcomeTimedOut)
	}
	switch transport.State(run.TransportState) {
	case transport.StateAbortedByError, transport.StateAbortedByTimeout:
		if !run.Recovered {
			out = append(out, OutcomeUncleared)
		}
	}
	return out
}

// runMessage describes run. matched holds the outcomes that selected the run
// and drive the subject; the metadata also lists every outcome of the run.
func runMessage(run *domain.Run, matched []string) *Message {
	subject := fmt.Sprintf("cubelink run %s on %s", matched[0], run.Port)
	if slices.Contains(matched, OutcomeUncleared) {
		subject = fmt.Sprintf("cubelink display on %s may still be lit", run.Port)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s, %s) by %s\n", run.ID, run.Dialect, run.Source, run.UserID)
	if run.DemoName != "" {
		fmt.Fprintf(&b, "Demo: %s\n", run.DemoName)
	}
	fmt.Fprintf(&b, "Execution: %s, %d instructions\n", run.ExecStatus, run.Instructions)
	if run.ExecMessage != "" {
		fmt.Fprintf(&b, "Program error: %s\n", run.ExecMessage)
	}
	if run.TransportState != "" {
		fmt.Fprintf(&b, "Delivery: %s, %d of %d acknowledged\n", run.TransportState, run.Acked, run.Instructions)
	}
	if run.TransportError != "" {
		fmt.Fprintf(&b, "Transport error: %s\n", run.TransportError)
	}

	return &Message{
		Subject: subject,
		Body:    strings.TrimRight(b.String(), "\n"),
		Metadata: map[string]string{
			"run_id":   run.ID.String(),
			"port":     run.Port,
			"status":   string(run.Status),
			"outcomes": strings.Join(Outcomes(run), ","),
			"matched":  strings.Join(matched, ","),
		},
	}
}
