package common

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
	"gopkg.in/yaml.v3"
)

// ReportFormat defines the supported report types
type ReportFormat string

const (
	ReportCSV      ReportFormat = "csv"
	ReportPDF      ReportFormat = "pdf"
	ReportJSON     ReportFormat = "json"
	ReportYAML     ReportFormat = "yaml"
	ReportMarkdown ReportFormat = "md"
)

// ReportFormats lists every format GenerateReport accepts.
var ReportFormats = []ReportFormat{ReportCSV, ReportPDF, ReportJSON, ReportYAML, ReportMarkdown}

// TransportSummary aggregates the results of one transport or web test.
type TransportSummary struct {
	Name     string  `json:"name" yaml:"name"`
	Target   string  `json:"target" yaml:"target"`
	Attempts int     `json:"attempts" yaml:"attempts"`
	Passed   int     `json:"passed" yaml:"passed"`
	Failed   int     `json:"failed" yaml:"failed"`
	PassRate float64 `json:"pass_rate" yaml:"pass_rate"`
}

// Summarize groups results by transport name, in order of first appearance.
func Summarize(results []TestResult) []TransportSummary {
	var order []string
	byName := make(map[string]*TransportSummary)
	for _, r := range results {
		s, ok := byName[r.TransportName]
		if !ok {
			s = &TransportSummary{Name: r.TransportName, Target: r.Target}
			byName[r.TransportName] = s
			order = append(order, r.TransportName)
		}
		s.Attempts++
		if r.Success {
			s.Passed++
		} else {
			s.Failed++
		}
	}

	summaries := make([]TransportSummary, 0, len(order))
	for _, name := range order {
		s := byName[name]
		s.PassRate = float64(s.Passed) / float64(s.Attempts) * 100
		summaries = append(summaries, *s)
	}
	return summaries
}

// ReportGenerator writes end-of-run reports for a set of results.
type ReportGenerator struct {
	Results   []TestResult
	Summaries []TransportSummary
	TestName  string
	CreatedAt time.Time
	OutputDir string
}

// NewReportGenerator creates a new report generator
func NewReportGenerator(results []TestResult, testName string) *ReportGenerator {
	return &ReportGenerator{
		Results:   results,
		Summaries: Summarize(results),
		TestName:  testName,
		CreatedAt: time.Now(),
		OutputDir: ReportDir,
	}
}

// ParseReportFormat validates a format name.
func ParseReportFormat(s string) (ReportFormat, error) {
	f := ReportFormat(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range ReportFormats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported report format: %s", s)
}

// GenerateReport generates a report in the specified format
func (rg *ReportGenerator) GenerateReport(format ReportFormat) (string, error) {
	timestamp := rg.CreatedAt.Format(FileTimestampFormat)
	fileName := fmt.Sprintf("%s_%s", rg.TestName, timestamp)
	filePath := filepath.Join(rg.OutputDir, fileName+"."+string(format))

	if err := os.MkdirAll(rg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	var err error
	switch format {
	case ReportCSV:
		err = WriteCSVReport(rg.Results, filePath)
	case ReportPDF:
		err = rg.generatePDFReport(filePath)
	case ReportJSON:
		err = WriteJSONReport(rg.report(), filePath)
	case ReportYAML:
		err = rg.generateYAMLReport(filePath)
	case ReportMarkdown:
		err = rg.generateMarkdownReport(filePath)
	default:
		return "", fmt.Errorf("unsupported report format: %s", format)
	}
	if err != nil {
		return "", err
	}
	return filePath, nil
}

// GenerateChart renders the pass rate of every transport as a PNG bar chart.
// It returns an empty path when there is nothing to plot.
func (rg *ReportGenerator) GenerateChart() (string, error) {
	if len(rg.Summaries) == 0 {
		return "", nil
	}

	chartDir := filepath.Join(rg.OutputDir, "charts")
	if err := os.MkdirAll(chartDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create chart directory: %w", err)
	}
	path := filepath.Join(chartDir, fmt.Sprintf("pass_rate_%s.png", rg.CreatedAt.Format(FileTimestampFormat)))

	bars := make([]chart.Value, 0, len(rg.Summaries))
	for _, s := range rg.Summaries {
		color := drawing.ColorFromHex("2e7d32")
		if s.PassRate < 100 {
			color = drawing.ColorFromHex("c62828")
		}
		bars = append(bars, chart.Value{
			Label: s.Name,
			Value: s.PassRate,
			Style: chart.Style{FillColor: color, StrokeColor: color},
		})
	}

	passChart := chart.BarChart{
		Title: "Pass Rate by Transport (%)",
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Height:   512,
		Width:    1024,
		BarWidth: 40,
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: 100},
		},
		Bars: bars,
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create chart file: %w", err)
	}
	defer f.Close()
	if err := passChart.Render(chart.PNG, f); err != nil {
		return "", fmt.Errorf("failed to render chart: %w", err)
	}
	return path, nil
}

// runReport is the document written by the JSON and YAML reports.
type runReport struct {
	Name        string             `json:"name" yaml:"name"`
	GeneratedAt time.Time          `json:"generated_at" yaml:"generated_at"`
	Summary     []TransportSummary `json:"summary" yaml:"summary"`
	Results     []TestResult       `json:"results" yaml:"results"`
}

func (rg *ReportGenerator) report() runReport {
	return runReport{
		Name:        rg.TestName,
		GeneratedAt: rg.CreatedAt,
		Summary:     rg.Summaries,
		Results:     rg.Results,
	}
}

func countPassed(results []TestResult) (passed, failed int) {
	for _, r := range results {
		if r.Success {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// WriteCSVReport writes test results to a CSV file
func WriteCSVReport(results []TestResult, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)

	if err := writer.Write([]string{
		"Batch",
		"Test Date",
		"Target",
		"Transport",
		"Status",
		"Duration (ms)",
		"Error",
	}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range results {
		if err := writer.Write([]string{
			strconv.Itoa(r.Batch),
			r.TestDate.Format(time.RFC3339),
			r.Target,
			r.TransportName,
			r.Status(),
			strconv.FormatInt(r.Duration.Milliseconds(), 10),
			r.Error,
		}); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// WriteJSONReport writes v as indented JSON.
func WriteJSONReport(v any, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON file: %w", err)
	}

	return nil
}

func (rg *ReportGenerator) generateYAMLReport(path string) error {
	data, err := yaml.Marshal(rg.report())
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write YAML file: %w", err)
	}

	return nil
}

func (rg *ReportGenerator) generatePDFReport(path string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, "Canary Transport Test Results")
	pdf.Ln(14)

	pdf.SetFont("Arial", "I", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated on %s", rg.CreatedAt.Format("2006-01-02 15:04:05")))
	pdf.Ln(10)

	passed, failed := countPassed(rg.Results)
	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, "Summary:")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 12)
	pdf.Cell(0, 6, fmt.Sprintf("Total Tests: %d", len(rg.Results)))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Passed: %d", passed))
	pdf.Ln(6)
	pdf.Cell(0, 6, fmt.Sprintf("Failed: %d", failed))
	pdf.Ln(12)

	pdf.SetFont("Arial", "B", 11)
	widths := []float64{50, 55, 25, 25, 25}
	for i, h := range []string{"Transport", "Target", "Attempts", "Passed", "Rate"} {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 11)
	for _, s := range rg.Summaries {
		if s.Failed > 0 {
			pdf.SetTextColor(198, 40, 40)
		} else {
			pdf.SetTextColor(46, 125, 50)
		}
		pdf.CellFormat(widths[0], 7, s.Name, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 7, s.Target, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 7, strconv.Itoa(s.Attempts), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 7, strconv.Itoa(s.Passed), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[4], 7, fmt.Sprintf("%.0f%%", s.PassRate), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, "Detailed Results:")
	pdf.Ln(8)

	for _, batch := range batches(rg.Results) {
		pdf.SetFont("Arial", "B", 11)
		pdf.Cell(0, 7, fmt.Sprintf("Batch %d", batch.number))
		pdf.Ln(7)
		pdf.SetFont("Arial", "", 10)
		for _, r := range batch.results {
			line := fmt.Sprintf("%s  %s  %s  %s", r.TestDate.Format("15:04:05"), r.TransportName, r.Target, r.Status())
			if r.Error != "" {
				line += "  (" + r.Error + ")"
			}
			pdf.MultiCell(0, 5, line, "", "", false)
		}
		pdf.Ln(4)
	}

	return pdf.OutputFileAndClose(path)
}

func (rg *ReportGenerator) generateMarkdownReport(path string) error {
	var md strings.Builder

	md.WriteString("# Canary Transport Test Results\n\n")
	md.WriteString(fmt.Sprintf("Generated on: %s\n\n", rg.CreatedAt.Format("2006-01-02 15:04:05")))

	passed, failed := countPassed(rg.Results)
	md.WriteString("## Summary\n\n")
	md.WriteString(fmt.Sprintf("- **Total Tests:** %d\n", len(rg.Results)))
	md.WriteString(fmt.Sprintf("- **Passed:** %d\n", passed))
	md.WriteString(fmt.Sprintf("- **Failed:** %d\n\n", failed))

	md.WriteString("| Transport | Target | Attempts | Passed | Pass Rate |\n")
	md.WriteString("|---|---|---|---|---|\n")
	for _, s := range rg.Summaries {
		md.WriteString(fmt.Sprintf("| %s | %s | %d | %d | %.0f%% |\n", s.Name, s.Target, s.Attempts, s.Passed, s.PassRate))
	}
	md.WriteString("\n")

	for _, batch := range batches(rg.Results) {
		md.WriteString(fmt.Sprintf("## Batch %d\n\n", batch.number))
		for _, r := range batch.results {
			statusEmoji := "✅"
			if !r.Success {
				statusEmoji = "❌"
			}
			md.WriteString(fmt.Sprintf("- %s **%s** (%s): %s", statusEmoji, r.TransportName, r.Target, r.Status()))
			if r.Error != "" {
				md.WriteString(fmt.Sprintf(" - %s", r.Error))
			}
			md.WriteString("\n")
		}
		md.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write Markdown file: %w", err)
	}

	return nil
}

type batchResults struct {
	number  int
	results []TestResult
}

// batches groups results by batch number, keeping the order within a batch.
func batches(results []TestResult) []batchResults {
	byNumber := make(map[int][]TestResult)
	for _, r := range results {
		byNumber[r.Batch] = append(byNumber[r.Batch], r)
	}
	numbers := make([]int, 0, len(byNumber))
	for n := range byNumber {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	out := make([]batchResults, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, batchResults{number: n, results: byNumber[n]})
	}
	return out
}
