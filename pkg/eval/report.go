package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorGray  = "\033[90m"
	colorBold  = "\033[1m"
)

// Format selects a report rendering.
type Format string

const (
	FormatConsole  Format = "console"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Report writes suite results to w in the requested format.
func Report(w io.Writer, results []*SuiteResult, format Format) error {
	switch format {
	case FormatJSON:
		return reportJSON(w, results)
	case FormatMarkdown:
		return reportMarkdown(w, results)
	case FormatConsole, "":
		return reportConsole(w, results)
	default:
		return fmt.Errorf("configuration_error: unknown report format %q", format)
	}
}

func reportJSON(w io.Writer, results []*SuiteResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func reportConsole(w io.Writer, results []*SuiteResult) error {
	color := isTerminal(w)
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + colorReset
	}

	for _, sr := range results {
		fmt.Fprintf(w, "%s\n", paint(colorBold, sr.Suite))
		for _, cr := range sr.Results {
			mark := paint(colorGreen, "PASS")
			if !cr.Passed {
				mark = paint(colorRed, "FAIL")
			}
			fmt.Fprintf(w, "  %s  %-24s score=%.2f  %s\n",
				mark, cr.CaseID, cr.Score, paint(colorGray, cr.Duration.Round(time.Millisecond).String()))
			if !cr.Passed {
				if cr.Error != "" {
					fmt.Fprintf(w, "        error: %s\n", cr.Error)
				}
				if cr.Reason != "" {
					fmt.Fprintf(w, "        %s\n", cr.Reason)
				}
			}
		}
		fmt.Fprintf(w, "  %d/%d passed (%.0f%%), mean score %.2f, p50 %s p95 %s p99 %s, %d tokens",
			sr.Passed, sr.Total, sr.PassRate*100, sr.Score,
			sr.P50.Round(time.Millisecond), sr.P95.Round(time.Millisecond), sr.P99.Round(time.Millisecond),
			sr.Tokens)
		if sr.Cost > 0 {
			fmt.Fprintf(w, ", $%.4f", sr.Cost)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w)
	}
	return nil
}

func reportMarkdown(w io.Writer, results []*SuiteResult) error {
	for _, sr := range results {
		fmt.Fprintf(w, "## %s\n\n", sr.Suite)
		fmt.Fprintln(w, "| Case | Result | Score | Duration | Reason |")
		fmt.Fprintln(w, "|------|--------|-------|----------|--------|")
		for _, cr := range sr.Results {
			status := "pass"
			if !cr.Passed {
				status = "fail"
			}
			reason := cr.Reason
			if cr.Error != "" {
				reason = cr.Error
			}
			fmt.Fprintf(w, "| %s | %s | %.2f | %s | %s |\n",
				cr.CaseID, status, cr.Score,
				cr.Duration.Round(time.Millisecond), mdEscape(reason))
		}
		fmt.Fprintf(w, "\n**%d/%d passed** (%.0f%%), mean score %.2f, latency p50/p95/p99 %s/%s/%s, %d tokens",
			sr.Passed, sr.Total, sr.PassRate*100, sr.Score,
			sr.P50.Round(time.Millisecond), sr.P95.Round(time.Millisecond), sr.P99.Round(time.Millisecond),
			sr.Tokens)
		if sr.Cost > 0 {
			fmt.Fprintf(w, ", cost $%.4f", sr.Cost)
		}
		fmt.Fprint(w, "\n\n")
	}
	return nil
}

func mdEscape(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
