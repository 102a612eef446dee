// Package qre checks X12 278 (005010X215) inquiry transactions against
// Query and Response for Eligibility minimal-data requirements.
package qre

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Severity of a finding.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Query methods
const (
	QueryByAuthorizationNumber = "ByAuthorizationNumber"
	QueryByMemberDemographics  = "ByMemberDemographics"
	QueryUnknown               = "Unknown"
)

// Result is a single finding.
type Result struct {
	Severity   Severity          `json:"severity"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Segment    string            `json:"segment,omitempty"`
	LineNumber int               `json:"line_number,omitempty"` // 1-based segment position
	Context    map[string]string `json:"context,omitempty"`
}

// Report is the outcome of analyzing one transaction.
type Report struct {
	FilePath      string   `json:"file_path"`
	TR3Version    string   `json:"tr3_version"`
	IsValid       bool     `json:"is_valid"`
	ErrorCount    int      `json:"error_count"`
	WarningCount  int      `json:"warning_count"`
	InfoCount     int      `json:"info_count"`
	QueryMethod   string   `json:"query_method,omitempty"`
	SegmentsFound []string `json:"segments_found"`
	Results       []Result `json:"results"`
}

// Config controls which checks run. JSON config files decode unchanged.
type Config struct {
	TR3Version      string `yaml:"tr3Version"`
	ValidationRules struct {
		ValidateEnvelopes bool `yaml:"validateEnvelopes"`
	} `yaml:"validationRules"`
	QRERequirements struct {
		RequiredSegments     []string `yaml:"requiredSegments"`
		MinimalDataPrinciple bool     `yaml:"minimalDataPrinciple"`
	} `yaml:"qreRequirements"`
	ErrorHandling struct {
		FailOnWarnings bool `yaml:"failOnWarnings"`
	} `yaml:"errorHandling"`
	OutputOptions struct {
		OutputPath string `yaml:"outputPath"`
	} `yaml:"outputOptions"`
}

// DefaultConfig returns the checks used when no config file is given.
func DefaultConfig() Config {
	var c Config
	c.TR3Version = "005010X215"
	c.ValidationRules.ValidateEnvelopes = true
	c.QRERequirements.RequiredSegments = []string{"ISA", "GS", "ST", "BHT", "HL", "NM1", "SE", "GE", "IEA"}
	c.QRERequirements.MinimalDataPrinciple = true
	return c
}

// LoadConfig reads a YAML or JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read qre config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse qre config %s: %w", path, err)
	}
	return cfg, nil
}

// Analyzer runs the checks. It holds only its configuration and is safe for concurrent use.
type Analyzer struct {
	cfg    Config
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg Config, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{cfg: cfg, logger: logger}
}

// Config returns the analyzer configuration.
func (a *Analyzer) Config() Config {
	return a.cfg
}

// AnalyzeFile analyzes the transaction stored at path.
func (a *Analyzer) AnalyzeFile(path string) Report {
	f, err := os.Open(path)
	if err != nil {
		return a.readFailure(path, err)
	}
	defer f.Close()
	return a.Analyze(path, f)
}

// Analyze reads a whole transaction from r.
func (a *Analyzer) Analyze(name string, r io.Reader) Report {
	data, err := io.ReadAll(r)
	if err != nil {
		return a.readFailure(name, err)
	}

	a.logger.Debug("analyzing X12 278 transaction", zap.String("file", name), zap.Int("bytes", len(data)))

	segments := splitSegments(string(data))
	ids := make([]string, 0, len(segments))
	for _, s := range segments {
		ids = append(ids, s.id)
	}

	var results []Result
	results = append(results, a.checkEnvelopes(segments)...)
	results = append(results, a.checkRequired(ids)...)
	results = append(results, a.checkMinimalData(segments)...)
	method, methodResult := detectQueryMethod(segments)
	results = append(results, methodResult)

	return a.report(name, results, method, ids)
}

type segment struct {
	id       string
	elements []string
	pos      int
}

func (s segment) element(i int) (string, bool) {
	if i >= len(s.elements) {
		return "", false
	}
	return s.elements[i], true
}

func splitSegments(content string) []segment {
	var out []segment
	for _, raw := range strings.Split(content, "~") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		elements := strings.Split(raw, "*")
		out = append(out, segment{id: elements[0], elements: elements, pos: len(out) + 1})
	}
	return out
}

func filter(segments []segment, id string) []segment {
	var out []segment
	for _, s := range segments {
		if s.id == id {
			out = append(out, s)
		}
	}
	return out
}

func (a *Analyzer) checkEnvelopes(segments []segment) []Result {
	if !a.cfg.ValidationRules.ValidateEnvelopes {
		return nil
	}
	var results []Result

	switch isa := filter(segments, "ISA"); {
	case len(isa) == 0:
		results = append(results, Result{Severity: SeverityError, Code: "ENV001", Message: "Missing ISA segment (Interchange Control Header)", Segment: "ISA"})
	case len(isa) > 1:
		results = append(results, Result{Severity: SeverityWarning, Code: "ENV002", Message: fmt.Sprintf("Multiple ISA segments found (%d)", len(isa)), Segment: "ISA", LineNumber: isa[1].pos})
	}

	if len(filter(segments, "GS")) == 0 {
		results = append(results, Result{Severity: SeverityError, Code: "ENV003", Message: "Missing GS segment (Functional Group Header)", Segment: "GS"})
	}

	st := filter(segments, "ST")
	if len(st) == 0 {
		results = append(results, Result{Severity: SeverityError, Code: "ENV004", Message: "Missing ST segment (Transaction Set Header)", Segment: "ST"})
		return results
	}
	if code, ok := st[0].element(1); ok && code != "278" {
		results = append(results, Result{
			Severity:   SeverityError,
			Code:       "ENV005",
			Message:    fmt.Sprintf("Invalid transaction code: expected '278', found '%s'", code),
			Segment:    "ST",
			LineNumber: st[0].pos,
		})
	}
	if version, ok := st[0].element(3); ok && !strings.HasSuffix(version, "X215") {
		results = append(results, Result{
			Severity:   SeverityWarning,
			Code:       "ENV006",
			Message:    fmt.Sprintf("Implementation guide version '%s' may not be 005010X215", version),
			Segment:    "ST",
			LineNumber: st[0].pos,
			Context:    map[string]string{"version": version},
		})
	}
	return results
}

func (a *Analyzer) checkRequired(ids []string) []Result {
	var results []Result
	for _, id := range a.cfg.QRERequirements.RequiredSegments {
		if !slices.Contains(ids, id) {
			results = append(results, Result{Severity: SeverityError, Code: "QRE001", Message: "Missing required segment: " + id, Segment: id})
		}
	}
	return results
}

// inquiryActionCodes are the HCR01 values accepted without comment.
var inquiryActionCodes = []string{"I1", "A1", "A2", "A3", "A4"}

func (a *Analyzer) checkMinimalData(segments []segment) []Result {
	if !a.cfg.QRERequirements.MinimalDataPrinciple {
		return nil
	}
	var results []Result

	if bht := filter(segments, "BHT"); len(bht) > 0 {
		if code, ok := bht[0].element(1); ok && code != "0007" {
			results = append(results, Result{
				Severity:   SeverityWarning,
				Code:       "QRE002",
				Message:    fmt.Sprintf("BHT01 should be '0007' for inquiry, found '%s'", code),
				Segment:    "BHT",
				LineNumber: bht[0].pos,
				Context:    map[string]string{"bht01": code},
			})
		}
	}

	if len(filter(segments, "UM")) == 0 {
		results = append(results, Result{
			Severity: SeverityWarning,
			Code:     "QRE003",
			Message:  "UM segment (Health Care Services Review Information) is recommended for QRE",
			Segment:  "UM",
		})
	}

	if hcr := filter(segments, "HCR"); len(hcr) > 0 {
		if code, ok := hcr[0].element(1); ok && !slices.Contains(inquiryActionCodes, code) {
			results = append(results, Result{
				Severity:   SeverityInfo,
				Code:       "QRE004",
				Message:    fmt.Sprintf("HCR01 action code is '%s' (I1=Inquiry is recommended)", code),
				Segment:    "HCR",
				LineNumber: hcr[0].pos,
				Context:    map[string]string{"hcr01": code},
			})
		}
	}
	return results
}

func detectQueryMethod(segments []segment) (string, Result) {
	var hasAuthRef, hasMember, hasDOB bool
	for _, s := range segments {
		q, _ := s.element(1)
		switch {
		case s.id == "REF" && q == "D9":
			hasAuthRef = true
		case s.id == "NM1" && q == "IL":
			hasMember = true
		case s.id == "DMG":
			hasDOB = true
		}
	}

	switch {
	case hasAuthRef:
		return QueryByAuthorizationNumber, Result{Severity: SeverityInfo, Code: "QRE005", Message: "Query method: Authorization Number (REF*D9 segment found)", Segment: "REF"}
	case hasMember && hasDOB:
		return QueryByMemberDemographics, Result{Severity: SeverityInfo, Code: "QRE006", Message: "Query method: Member Demographics (NM1*IL and DMG segments found)", Segment: "NM1"}
	}
	return QueryUnknown, Result{Severity: SeverityWarning, Code: "QRE007", Message: "Cannot determine query method (need REF*D9 OR (NM1*IL + DMG))", Segment: "REF"}
}

func (a *Analyzer) report(name string, results []Result, method string, ids []string) Report {
	r := Report{
		FilePath:      name,
		TR3Version:    a.cfg.TR3Version,
		QueryMethod:   method,
		SegmentsFound: ids,
		Results:       results,
	}
	for _, res := range results {
		switch res.Severity {
		case SeverityError:
			r.ErrorCount++
		case SeverityWarning:
			r.WarningCount++
		case SeverityInfo:
			r.InfoCount++
		}
	}
	r.IsValid = r.ErrorCount == 0
	if a.cfg.ErrorHandling.FailOnWarnings {
		r.IsValid = r.IsValid && r.WarningCount == 0
	}
	if r.SegmentsFound == nil {
		r.SegmentsFound = []string{}
	}

	a.logger.Info("X12 278 analysis complete",
		zap.String("file", name),
		zap.Bool("valid", r.IsValid),
		zap.Int("errors", r.ErrorCount),
		zap.Int("warnings", r.WarningCount),
		zap.String("query_method", method),
	)
	return r
}

func (a *Analyzer) readFailure(name string, err error) Report {
	a.logger.Error("failed to read X12 278 transaction", zap.String("file", name), zap.Error(err))
	return Report{
		FilePath:      name,
		TR3Version:    a.cfg.TR3Version,
		ErrorCount:    1,
		SegmentsFound: []string{},
		Results: []Result{{
			Severity: SeverityError,
			Code:     "SYS001",
			Message:  "Failed to read file: " + err.Error(),
		}},
	}
}

// WriteText prints a human-readable report grouped by severity.
func WriteText(w io.Writer, r Report) error {
	rule := strings.Repeat("=", 80)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nX12 278 X215 QRE Analysis Report\n%s\n", rule, rule)
	fmt.Fprintf(&b, "File: %s\nTR3 Version: %s\n", r.FilePath, r.TR3Version)
	valid := "NO"
	if r.IsValid {
		valid = "YES"
	}
	fmt.Fprintf(&b, "Valid: %s\nErrors: %d\nWarnings: %d\nInfo: %d\n", valid, r.ErrorCount, r.WarningCount, r.InfoCount)
	if r.QueryMethod != "" {
		fmt.Fprintf(&b, "Query Method: %s\n", r.QueryMethod)
	}
	fmt.Fprintf(&b, "Segments Found: %d\n%s\n", len(r.SegmentsFound), strings.Repeat("-", 80))

	for _, sev := range []Severity{SeverityError, SeverityWarning, SeverityInfo} {
		var group []Result
		for _, res := range r.Results {
			if res.Severity == sev {
				group = append(group, res)
			}
		}
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%sS (%d):\n", sev, len(group))
		for _, res := range group {
			seg := ""
			if res.Segment != "" {
				seg = " [" + res.Segment + "]"
			}
			fmt.Fprintf(&b, "  %s%s: %s\n", res.Code, seg, res.Message)
			if len(res.Context) > 0 {
				fmt.Fprintf(&b, "    Context: %v\n", res.Context)
			}
		}
	}
	b.WriteString("\n" + rule + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// ExportJSON writes the report as indented JSON to path.
func ExportJSON(r Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal qre report: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
