package imessage

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os/exec"
	"strings"
	"time"

	"github.com/nevindra/edgelink"
)

// Runner executes an AppleScript program. Replaceable in tests.
type Runner interface {
	Run(ctx context.Context, script string) error
}

// osascriptRunner shells out to /usr/bin/osascript. The send action is the
// dominant per-invocation cost, which is why batched mode exists.
type osascriptRunner struct{}

func (osascriptRunner) Run(ctx context.Context, script string) error {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("osascript: %s", msg)
	}
	return nil
}

func defaultJitter() float64 {
	return rand.Float64()*0.4 - 0.2
}

// Send delivers one bubble. Returns edgelink.ErrRateLimited when the
// sliding-window budget for threadID is exhausted.
func (t *Transport) Send(ctx context.Context, threadID, text string, isGroup bool) error {
	escaped, err := t.prepare(threadID, text)
	if err != nil {
		return err
	}
	if !t.limiter.allowN(threadID, 1) {
		return edgelink.ErrRateLimited
	}
	script := buildScript(threadID, []string{escaped}, isGroup, nil)
	if err := t.runner.Run(ctx, script); err != nil {
		t.logger.Error("❌ imessage: send failed", "thread", threadID, "error", err)
		return fmt.Errorf("imessage: send: %w", err)
	}
	return nil
}

// SendMulti delivers a bubble sequence with typing pauses. In batched mode
// the whole sequence rides one osascript invocation with inline delays; on
// batched failure it falls back to sequential sends with the same pauses.
func (t *Transport) SendMulti(ctx context.Context, threadID string, bubbles []string, isGroup, batched bool) error {
	if len(bubbles) == 0 {
		return nil
	}
	escaped := make([]string, len(bubbles))
	for i, b := range bubbles {
		e, err := t.prepare(threadID, b)
		if err != nil {
			return err
		}
		escaped[i] = e
	}
	if !t.limiter.allowN(threadID, len(bubbles)) {
		return edgelink.ErrRateLimited
	}

	pauses := t.pauses(bubbles)
	if batched {
		script := buildScript(threadID, escaped, isGroup, pauses)
		err := t.runner.Run(ctx, script)
		if err == nil {
			return nil
		}
		t.logger.Warn("⚠️ imessage: batched send failed, falling back to sequential",
			"thread", threadID, "bubbles", len(bubbles), "error", err)
	}
	return t.sendSequential(ctx, threadID, escaped, isGroup, pauses)
}

func (t *Transport) sendSequential(ctx context.Context, threadID string, escaped []string, isGroup bool, pauses []time.Duration) error {
	for i, b := range escaped {
		if i > 0 {
			timer := time.NewTimer(pauses[i-1])
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		script := buildScript(threadID, []string{b}, isGroup, nil)
		if err := t.runner.Run(ctx, script); err != nil {
			t.logger.Error("❌ imessage: sequential send failed",
				"thread", threadID, "bubble", i, "error", err)
			return fmt.Errorf("imessage: send bubble %d: %w", i, err)
		}
	}
	return nil
}

// prepare runs the shared sanitisation: thread id charset, length ceiling,
// injection blocklist, escape pass.
func (t *Transport) prepare(threadID, text string) (string, error) {
	if !edgelink.ValidThreadID(threadID) {
		return "", &edgelink.ErrValidation{Reason: "thread_id contains forbidden characters"}
	}
	return edgelink.SanitizeText(text)
}

// pauses returns the inter-bubble pause after each bubble but the last:
// base 1.0 s + min(len(prev)/50, 1.0) s + jitter in [-0.2, +0.2] s. Longer
// previous bubbles read slower, so the next one waits longer.
func (t *Transport) pauses(bubbles []string) []time.Duration {
	if len(bubbles) < 2 {
		return nil
	}
	out := make([]time.Duration, len(bubbles)-1)
	for i := 0; i < len(bubbles)-1; i++ {
		read := float64(len([]rune(bubbles[i]))) / 50.0
		if read > 1.0 {
			read = 1.0
		}
		secs := 1.0 + read + t.jitter()
		out[i] = time.Duration(secs * float64(time.Second))
	}
	return out
}

// buildScript assembles one osascript program sending every bubble, with
// delay statements between them when pauses is non-nil. threadID is
// charset-checked and bubbles are escaped before this point.
func buildScript(threadID string, escaped []string, isGroup bool, pauses []time.Duration) string {
	var b strings.Builder
	b.WriteString("tell application \"Messages\"\n")
	if isGroup {
		fmt.Fprintf(&b, "\tset theTarget to a reference to text chat id \"%s\"\n", threadID)
	} else {
		b.WriteString("\tset theService to 1st account whose service type = iMessage\n")
		fmt.Fprintf(&b, "\tset theTarget to participant \"%s\" of theService\n", threadID)
	}
	for i, text := range escaped {
		if i > 0 && pauses != nil {
			fmt.Fprintf(&b, "\tdelay %.2f\n", pauses[i-1].Seconds())
		}
		fmt.Fprintf(&b, "\tsend \"%s\" to theTarget\n", text)
	}
	b.WriteString("end tell")
	return b.String()
}
