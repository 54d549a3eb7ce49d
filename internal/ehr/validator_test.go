package ehr

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type stubExtractor struct {
	text  string
	err   error
	pages int
}

func (s *stubExtractor) ExtractText(_ string, maxPages int) (string, error) {
	s.pages = maxPages
	return s.text, s.err
}

func TestValidator_Validate(t *testing.T) {
	dir := t.TempDir()
	v := NewValidator(Config{}, nil, nil)

	cases := []struct {
		name string
		file string
		body string
		want bool
	}{
		{
			name: "exact required field set",
			file: "full.json",
			body: `{"name":"A","address":"B","genotype":"C","blood_group":"D","dob":"2000-01-01","medical_history":"none"}`,
			want: true,
		},
		{
			name: "required set with normalized keys and notes",
			file: "keys.json",
			body: `{"Name":"A","ADDRESS":"B","Geno-type":"C","Blood Group":"D","date_of_birth":"x","notes":"y"}`,
			want: true,
		},
		{
			name: "nested document with two keywords",
			file: "nested.json",
			body: `{"patient":{"details":[{"name":"A"},{"genotype":"AS"}]}}`,
			want: true,
		},
		{
			name: "keyword found only in a value",
			file: "value.json",
			body: `{"summary":"patient address unknown, blood group O+"}`,
			want: true,
		},
		{
			// two of the four keywords is the threshold, so this passes
			name: "missing genotype and blood group",
			file: "two-missing.json",
			body: `{"name":"A","address":"B","dob":"2000-01-01","medical_history":"none"}`,
			want: true,
		},
		{
			name: "missing three of the four keywords",
			file: "three-missing.json",
			body: `{"name":"A","dob":"2000-01-01","medical_history":"none","gender":"F"}`,
			want: false,
		},
		{
			name: "only one keyword",
			file: "sparse.json",
			body: `{"name":"A","dob":"2000-01-01","medical_history":"none"}`,
			want: false,
		},
		{
			name: "no keywords",
			file: "empty.json",
			body: `{}`,
			want: false,
		},
		{
			name: "malformed json",
			file: "broken.json",
			body: `{"name": "A", "address"`,
			want: false,
		},
		{
			name: "text with two keywords",
			file: "notes.txt",
			body: "Patient Name: Ada\nBloodGroup: O+\n",
			want: true,
		},
		{
			name: "markdown with one keyword",
			file: "notes.md",
			body: "# Address\n221B Baker Street\n",
			want: false,
		},
		{
			name: "csv header",
			file: "rows.csv",
			body: "name,address,genotype\nA,B,AA\n",
			want: true,
		},
		{
			name: "upper-case extension",
			file: "REPORT.TXT",
			body: "NAME and ADDRESS",
			want: true,
		},
		{
			name: "unsupported extension",
			file: "payload.exe",
			body: `{"name":"A","address":"B","genotype":"C","blood_group":"D","dob":"x","medical_history":"y"}`,
			want: false,
		},
		{
			name: "pdf without extractor",
			file: "scan.pdf",
			body: "%PDF-1.4 name address",
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, dir, tc.file, tc.body)
			if got := v.Validate(path); got != tc.want {
				t.Errorf("Validate(%s) = %v, want %v (%s)", tc.file, got, tc.want, v.Check(path).Reason)
			}
		})
	}
}

func TestValidator_MissingFile(t *testing.T) {
	v := NewValidator(Config{}, nil, nil)
	if v.Validate(filepath.Join(t.TempDir(), "gone.json")) {
		t.Error("missing file should fail validation")
	}
}

func TestValidator_TextReadIsBounded(t *testing.T) {
	dir := t.TempDir()
	v := NewValidator(Config{TextPrefixBytes: 64}, nil, nil)
	body := strings.Repeat("x", 128) + " name address"
	path := writeFile(t, dir, "late.txt", body)
	if v.Validate(path) {
		t.Error("keywords beyond the read prefix must not be seen")
	}
}

func TestValidator_JSONSizeLimit(t *testing.T) {
	dir := t.TempDir()
	v := NewValidator(Config{MaxFileBytes: 32}, nil, nil)
	path := writeFile(t, dir, "big.json", `{"name":"A","address":"B","padding":"`+strings.Repeat("z", 64)+`"}`)
	verdict := v.Check(path)
	if verdict.OK {
		t.Fatal("oversized JSON accepted")
	}
	if !strings.Contains(verdict.Reason, "exceeds") {
		t.Errorf("reason = %q", verdict.Reason)
	}
}

func TestValidator_PDFUsesExtractor(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "scan.pdf", "%PDF-1.4")

	ok := &stubExtractor{text: "Genotype AA\nBlood-Group B+"}
	v := NewValidator(Config{}, ok, nil)
	if !v.Validate(path) {
		t.Errorf("Validate() = false, reason %q", v.Check(path).Reason)
	}
	if ok.pages != 3 {
		t.Errorf("extractor asked for %d pages, want 3", ok.pages)
	}

	failing := &stubExtractor{err: errors.New("encrypted")}
	v = NewValidator(Config{}, failing, nil)
	if v.Validate(path) {
		t.Error("extraction failure must reject")
	}
}

func TestPDFExtractor_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "garbage.pdf", "this is not a pdf")
	v := NewValidator(Config{}, PDFExtractor{}, nil)
	if v.Validate(path) {
		t.Error("non-PDF content with .pdf extension accepted")
	}
}

func TestCountKeywords(t *testing.T) {
	cases := map[string]int{
		"":                                  0,
		"NAME":                              1,
		"blood group and bloodgroup":        1,
		"name address genotype blood_group": 4,
	}
	for text, want := range cases {
		if got := CountKeywords(text); got != want {
			t.Errorf("CountKeywords(%q) = %d, want %d", text, got, want)
		}
	}
}
