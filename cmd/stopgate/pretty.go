package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/stopgate/internal/orchestrator"
	"github.com/ShayCichocki/stopgate/pkg/models"
)

// printStatus prints a status line with a coloured symbol.
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

func printHeading(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s\n", color.New(color.Bold).Sprint(title))
}

// printReport renders a status report for humans.
func printReport(w io.Writer, r *orchestrator.StatusReport) {
	fmt.Fprintf(w, "Agent: %s\n", color.CyanString(r.AgentID))

	if r.Session == nil {
		if r.Flag == nil {
			printStatus(w, "○", "No authorization session", color.FgYellow)
		}
	} else {
		s := r.Session
		fmt.Fprintf(w, "Status: %s (%d/%d steps, expires %s)\n",
			s.Status, len(s.CompletedSteps), len(s.RequiredSteps), s.ExpiresAt.Local().Format(time.Kitchen))

		failed := map[string]bool{}
		for _, f := range r.Failures {
			failed[f.Criterion] = true
		}
		done := map[string]bool{}
		for _, c := range s.CompletedSteps {
			done[c] = true
		}

		printHeading(w, "Steps")
		for _, step := range s.RequiredSteps {
			switch {
			case done[step]:
				printStatus(w, "✓", step, color.FgGreen)
			case failed[step]:
				printStatus(w, "✗", step, color.FgRed)
			case step == s.NextStep:
				printStatus(w, "→", step+" (next)", color.FgYellow)
			default:
				printStatus(w, "○", step, color.FgHiBlack)
			}
		}
	}

	if len(r.Failures) > 0 {
		printHeading(w, "Failures")
		for _, f := range r.Failures {
			line := strings.SplitN(f.Error, "\n", 2)[0]
			fmt.Fprintf(w, "  %s: %s (retries %d)\n", color.RedString(f.Criterion), line, f.RetryCount)
		}
	}

	if r.Flag != nil {
		fmt.Fprintln(w)
		printStatus(w, "✓", fmt.Sprintf("Termination authorized via %s at %s", r.Flag.Via, r.Flag.IssuedAt.Local().Format(time.RFC3339)), color.FgGreen)
	}
}

// printStats renders per-criterion statistics as a table.
func printStats(w io.Writer, stats []models.CriterionStats) {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No validation runs recorded yet.")
		return
	}
	fmt.Fprintf(w, "%-22s %6s %8s %8s %12s\n", "CRITERION", "RUNS", "SUCCESS", "CACHED", "MEAN")
	for _, s := range stats {
		rate := fmt.Sprintf("%.0f%%", s.SuccessRate*100)
		switch {
		case s.SuccessRate >= 0.9:
			rate = color.GreenString("%8s", rate)
		case s.SuccessRate >= 0.5:
			rate = color.YellowString("%8s", rate)
		default:
			rate = color.RedString("%8s", rate)
		}
		fmt.Fprintf(w, "%-22s %6d %s %8d %12s\n", s.Criterion, s.Runs, rate, s.CachedHits, s.MeanDuration.Round(time.Millisecond))
	}
}

// printEvent renders one engine event as a progress line.
func printEvent(w io.Writer, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventCriterionStarted:
		fmt.Fprintf(w, "%s %s\n", color.New(color.FgHiBlack).Sprint("…"), ev.Criterion)
	case orchestrator.EventCriterionFinished:
		if ev.Result == nil {
			return
		}
		suffix := ev.Result.Duration.Round(time.Millisecond).String()
		if ev.Result.Cached {
			suffix = "cached"
		}
		if ev.Result.Success {
			printStatus(w, "✓", fmt.Sprintf("%s (%s)", ev.Criterion, suffix), color.FgGreen)
		} else {
			printStatus(w, "✗", fmt.Sprintf("%s (%s)", ev.Criterion, suffix), color.FgRed)
		}
	case orchestrator.EventWaveStarted:
		fmt.Fprintf(w, "%s %s\n", color.CyanString("wave %d:", ev.Wave+1), ev.Message)
	case orchestrator.EventSessionReady:
		printStatus(w, "✓", "session ready: "+ev.Message, color.FgGreen)
	case orchestrator.EventTerminationIssued:
		printStatus(w, "✓", "termination flag written to "+ev.Message, color.FgGreen)
	}
}
