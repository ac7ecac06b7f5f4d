package notify

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestNoticeDeduplicates(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(log.New(&buf))

	n.Notice("already queued: a.mp3")
	n.Notice("already queued: a.mp3")
	n.Notice("already queued: b.mp3")

	if got := strings.Count(buf.String(), "already queued: a.mp3"); got != 1 {
		t.Fatalf("expected repeated notice to be logged once, got %d\n%s", got, buf.String())
	}
	if len(n.History()) != 2 {
		t.Fatalf("expected two recorded notices, got %d", len(n.History()))
	}
}

func TestReportKeepsDetails(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(log.New(&buf))

	n.Report(SeverityWarning, "2 tracks could not be transferred", []string{"a.flac", "b.flac"})

	h := n.History()
	if len(h) != 1 || h[0].Severity != "warning" || len(h[0].Details) != 2 {
		t.Fatalf("unexpected history %+v", h)
	}
	if !strings.Contains(buf.String(), "a.flac; b.flac") {
		t.Fatalf("expected details in log output, got %s", buf.String())
	}
}

func TestContextPrompt(t *testing.T) {
	p := ContextPrompt{Default: AnswerNo}
	ctx := context.Background()

	if p.ConfirmDelete(ctx, "dev", 3) != AnswerNo {
		t.Fatalf("expected default answer without context value")
	}
	if p.StopTransfer(ctx, "dev") {
		t.Fatalf("expected transfer to finish by default")
	}

	yes := WithAnswer(ctx, AnswerYes)
	if p.ConfirmDelete(yes, "dev", 3) != AnswerYes || !p.StopTransfer(yes, "dev") {
		t.Fatalf("expected context answer to win")
	}
	if p.ConfirmDelete(WithAnswer(ctx, AnswerCancel), "dev", 1) != AnswerCancel {
		t.Fatalf("expected cancel answer")
	}
}
