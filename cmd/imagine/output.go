package main

import (
	"fmt"
	"io"
	"os"

	"github.com/infinityai/imagine/internal/session"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// phaseRenderer prints one line per phase change, per status change while
// polling and per new image URL. It runs under the controller lock, so it
// only writes.
type phaseRenderer struct {
	w          io.Writer
	submission string
	phase      session.Phase
	status     string
	image      string
}

func newPhaseRenderer(w io.Writer) *phaseRenderer {
	return &phaseRenderer{w: w}
}

func (r *phaseRenderer) Render(s session.State) {
	if s.SubmissionID != r.submission {
		r.submission, r.phase, r.status, r.image = s.SubmissionID, "", "", ""
	}
	image := s.ImageURL()
	if s.Phase == r.phase && s.Status() == r.status && image == r.image {
		return
	}
	prevPhase, prevStatus, prevImage := r.phase, r.status, r.image
	r.phase, r.status, r.image = s.Phase, s.Status(), image

	switch {
	case s.Phase == prevPhase && s.Phase != session.PhasePolling:
	case s.Phase == session.PhaseTranslating:
		fmt.Fprintln(r.w, colorize(colorCyan, "→ Translating prompt..."))
	case s.Phase == session.PhaseSubmitting:
		if s.TranslatedPrompt != "" {
			fmt.Fprintf(r.w, "  %s %s\n", colorize(colorBold, "Translated:"), s.TranslatedPrompt)
		}
		fmt.Fprintln(r.w, colorize(colorCyan, "→ Submitting prediction..."))
	case s.Phase == session.PhasePolling:
		if prevPhase != session.PhasePolling {
			fmt.Fprintf(r.w, "  %s %s\n", colorize(colorBold, "Prediction:"), s.Prediction.ID)
		}
		if prevPhase != session.PhasePolling || s.Status() != prevStatus {
			fmt.Fprintf(r.w, "  %s %s\n", colorize(colorBold, "Status:"), s.Status())
		}
	case s.Phase == session.PhaseSucceeded:
		fmt.Fprintln(r.w, colorize(colorGreen, "✓ Prediction succeeded"))
	case s.Phase == session.PhaseFailed:
		msg := s.Error
		if msg == "" {
			msg = "no reason given"
		}
		fmt.Fprintln(r.w, colorize(colorRed, "✗ Prediction failed: "+msg))
	case s.Phase == session.PhaseError:
		fmt.Fprintln(r.w, colorize(colorRed, "✗ "+s.Error))
	}
	if image != "" && image != prevImage {
		fmt.Fprintf(r.w, "  %s %s\n", colorize(colorBold, "Image:"), image)
	}
}
