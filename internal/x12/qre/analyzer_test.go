package qre

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const inquiry = `ISA*00*          *00*          *ZZ*SUBMITTER      *ZZ*RECEIVER       *240101*1200*^*00501*000000001*0*P*:~
GS*HI*SUBMITTER*RECEIVER*20240101*1200*1*X*005010X215~
ST*278*0001*005010X215~
BHT*0007*13*REF123*20240101*1200~
HL*1**20*1~
NM1*X3*2*PAYER*****PI*PAYER01~
HL*2*1*21*1~
NM1*1P*1*SMITH*JANE****XX*1234567890~
HL*3*2*22*0~
NM1*IL*1*DOE*JOHN****MI*M123~
DMG*D8*19800115*M~
UM*HS*I*3~
SE*12*0001~
GE*1*1~
IEA*1*000000001~`

func codes(r Report) []string {
	var out []string
	for _, res := range r.Results {
		out = append(out, res.Code)
	}
	return out
}

func hasCode(r Report, code string) bool {
	for _, res := range r.Results {
		if res.Code == code {
			return true
		}
	}
	return false
}

func TestAnalyzeValidInquiry(t *testing.T) {
	r := NewAnalyzer(DefaultConfig(), nil).Analyze("inquiry.edi", strings.NewReader(inquiry))

	if !r.IsValid || r.ErrorCount != 0 || r.WarningCount != 0 {
		t.Fatalf("expected a clean report, got %v", codes(r))
	}
	if r.QueryMethod != QueryByMemberDemographics {
		t.Errorf("query method = %s", r.QueryMethod)
	}
	if len(r.SegmentsFound) != 15 || r.SegmentsFound[0] != "ISA" {
		t.Errorf("segments = %v", r.SegmentsFound)
	}
	if r.InfoCount != 1 || !hasCode(r, "QRE006") {
		t.Errorf("info = %v", codes(r))
	}
}

func TestAnalyzeFindings(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(string) string
		code  string
		valid bool
	}{
		{"missing ISA", func(s string) string { return s[strings.Index(s, "GS*"):] }, "ENV001", false},
		{"duplicate ISA", func(s string) string { return s[:strings.Index(s, "GS*")] + s }, "ENV002", true},
		{"wrong transaction", func(s string) string { return strings.Replace(s, "ST*278*", "ST*270*", 1) }, "ENV005", false},
		{"wrong guide", func(s string) string {
			return strings.Replace(s, "ST*278*0001*005010X215", "ST*278*0001*005010X217", 1)
		}, "ENV006", true},
		{"wrong BHT01", func(s string) string { return strings.Replace(s, "BHT*0007", "BHT*0078", 1) }, "QRE002", true},
		{"no UM", func(s string) string { return strings.Replace(s, "UM*HS*I*3~", "", 1) }, "QRE003", true},
		{"HCR code", func(s string) string { return strings.Replace(s, "UM*HS*I*3~", "UM*HS*I*3~HCR*A6~", 1) }, "QRE004", true},
		{"auth number", func(s string) string { return strings.Replace(s, "UM*HS*I*3~", "REF*D9*AUTH1~UM*HS*I*3~", 1) }, "QRE005", true},
		{"unknown method", func(s string) string { return strings.Replace(s, "DMG*D8*19800115*M~", "", 1) }, "QRE007", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewAnalyzer(DefaultConfig(), nil).Analyze("x.edi", strings.NewReader(tt.edit(inquiry)))
			if !hasCode(r, tt.code) {
				t.Errorf("missing %s in %v", tt.code, codes(r))
			}
			if r.IsValid != tt.valid {
				t.Errorf("valid = %v, want %v (%v)", r.IsValid, tt.valid, codes(r))
			}
		})
	}
}

func TestFailOnWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorHandling.FailOnWarnings = true
	doc := strings.Replace(inquiry, "UM*HS*I*3~", "", 1)

	r := NewAnalyzer(cfg, nil).Analyze("x.edi", strings.NewReader(doc))
	if r.IsValid {
		t.Error("warnings should fail validation when configured")
	}
}

func TestDisabledChecks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ValidationRules.ValidateEnvelopes = false
	cfg.QRERequirements.MinimalDataPrinciple = false
	cfg.QRERequirements.RequiredSegments = nil

	r := NewAnalyzer(cfg, nil).Analyze("x.edi", strings.NewReader("UM*HS*I*3~"))
	if r.ErrorCount != 0 {
		t.Errorf("unexpected errors: %v", codes(r))
	}
	if !hasCode(r, "QRE007") {
		t.Error("query method detection always runs")
	}
}

func TestAnalyzeFileMissing(t *testing.T) {
	r := NewAnalyzer(DefaultConfig(), nil).AnalyzeFile(filepath.Join(t.TempDir(), "missing.edi"))
	if r.IsValid || r.ErrorCount != 1 || r.Results[0].Code != "SYS001" {
		t.Errorf("report = %+v", r)
	}
}

func TestLoadConfigJSONAndExport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "qre-analyzer.config.json")
	doc := `{
  "tr3Version": "005010X215",
  "validationRules": {"validateEnvelopes": true},
  "qreRequirements": {"requiredSegments": ["ST", "BHT"], "minimalDataPrinciple": true},
  "errorHandling": {"failOnWarnings": false},
  "outputOptions": {"outputPath": ""}
}`
	if err := os.WriteFile(cfgPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.QRERequirements.RequiredSegments) != 2 {
		t.Errorf("required = %v", cfg.QRERequirements.RequiredSegments)
	}

	r := NewAnalyzer(cfg, nil).Analyze("inquiry.edi", strings.NewReader(inquiry))
	out := filepath.Join(dir, "report.json")
	if err := ExportJSON(r, out); err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	data, _ := os.ReadFile(out)
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("exported report is not JSON: %v", err)
	}
	if decoded["is_valid"] != true {
		t.Errorf("is_valid = %v", decoded["is_valid"])
	}

	var sb strings.Builder
	if err := WriteText(&sb, r); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	if !strings.Contains(sb.String(), "Query Method: ByMemberDemographics") {
		t.Errorf("text report:\n%s", sb.String())
	}
}
