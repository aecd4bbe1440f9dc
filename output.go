package canary

import (
	"fmt"
	"io"
	"strings"

	"ghostshell/app/canary/common"
)

// generateReports writes the end-of-run report in format plus the pass
// rate chart into dir. It returns the paths written so far even on error.
func generateReports(summary *Summary, format, dir string) ([]string, error) {
	reportFormat, err := common.ParseReportFormat(format)
	if err != nil {
		return nil, err
	}

	generator := common.NewReportGenerator(summary.Results, "canary")
	generator.CreatedAt = summary.StartTime
	generator.OutputDir = dir

	var paths []string
	path, err := generator.GenerateReport(reportFormat)
	if err != nil {
		return paths, fmt.Errorf("failed to generate %s report: %w", reportFormat, err)
	}
	paths = append(paths, path)

	chartPath, err := generator.GenerateChart()
	if err != nil {
		return paths, err
	}
	if chartPath != "" {
		paths = append(paths, chartPath)
	}
	return paths, nil
}

// PrintSummary writes a console summary of a run to w.
func PrintSummary(w io.Writer, summary *Summary) {
	if summary == nil {
		return
	}

	fmt.Fprintf(w, "\nRun %s (%s)\n", summary.RunID, summary.State)
	fmt.Fprintf(w, "  Interface: %s\n", summary.Interface)
	fmt.Fprintf(w, "  Elapsed:   %s\n", FormatDuration(summary.EndTime.Sub(summary.StartTime)))
	fmt.Fprintf(w, "  Passed:    %d\n", summary.Passed)
	fmt.Fprintf(w, "  Failed:    %d\n", summary.Failed)

	if len(summary.Results) > 0 {
		fmt.Fprintln(w, "\nResults:")
		for _, s := range common.Summarize(summary.Results) {
			fmt.Fprintf(w, "  %-24s %-22s %d/%d passed\n", s.Name, s.Target, s.Passed, s.Attempts)
		}
	}

	fmt.Fprintf(w, "\nResults file: %s\n", summary.ResultsPath)
	if len(summary.Archives) > 0 {
		fmt.Fprintf(w, "Archives:     %s\n", strings.Join(summary.Archives, ", "))
	}
	if len(summary.Reports) > 0 {
		fmt.Fprintf(w, "Reports:      %s\n", strings.Join(summary.Reports, ", "))
	}
}
