package ehr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Verdict is the outcome of inspecting one candidate file.
type Verdict struct {
	OK     bool
	Reason string
}

func accept(reason string) Verdict { return Verdict{OK: true, Reason: reason} }
func reject(reason string) Verdict { return Verdict{Reason: reason} }

// keywordGroups is the canonical keyword set of the text heuristic. A group
// counts once however many of its spellings appear.
var keywordGroups = [][]string{
	{"name"},
	{"address"},
	{"genotype"},
	{"blood group", "blood_group", "bloodgroup", "blood-group"},
}

const minKeywords = 2

var historyKeys = []string{"medicalhistory", "history", "medicalnotes", "notes", "narrative", "rawtext"}

var requiredKeys = []string{"name", "address", "genotype", "bloodgroup", "dob"}

// Validator decides whether a file is an acceptable health record. The zero
// value rejects every PDF; set Extractor to inspect them.
type Validator struct {
	Config    Config
	Extractor TextExtractor
	Logger    *slog.Logger
}

func NewValidator(cfg Config, extractor TextExtractor, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{Config: cfg, Extractor: extractor, Logger: logger}
}

// Validate reports whether path holds an acceptable record. It never panics;
// unreadable or malformed input simply fails.
func (v *Validator) Validate(path string) bool {
	return v.Check(path).OK
}

// Check is Validate with the reason attached.
func (v *Validator) Check(path string) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			verdict = reject(fmt.Sprintf("file could not be inspected: %v", r))
		}
	}()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		verdict = v.checkJSON(path)
	case ".txt", ".md", ".csv":
		verdict = v.checkText(path)
	case ".pdf":
		verdict = v.checkPDF(path)
	default:
		verdict = reject(fmt.Sprintf("unsupported file type %q", ext))
	}
	if v.Logger != nil {
		v.Logger.Debug("ehr file inspected", "file", filepath.Base(path), "ok", verdict.OK, "reason", verdict.Reason)
	}
	return verdict
}

func (v *Validator) checkJSON(path string) Verdict {
	info, err := os.Stat(path)
	if err != nil {
		return reject("file is not readable")
	}
	if max := v.Config.maxFileBytes(); info.Size() > max {
		return reject(fmt.Sprintf("file exceeds %d bytes", max))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return reject("file is not readable")
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return reject("file is not valid JSON")
	}
	if obj, ok := doc.(map[string]any); ok && hasRequiredKeys(obj) {
		return accept("all required fields present")
	}
	var sb strings.Builder
	flatten(&sb, doc)
	return keywordVerdict(sb.String())
}

func (v *Validator) checkText(path string) Verdict {
	f, err := os.Open(path)
	if err != nil {
		return reject("file is not readable")
	}
	defer f.Close()
	prefix, err := io.ReadAll(io.LimitReader(f, v.Config.textPrefixBytes()))
	if err != nil {
		return reject("file is not readable")
	}
	return keywordVerdict(string(prefix))
}

func (v *Validator) checkPDF(path string) Verdict {
	if v.Extractor == nil {
		return reject("PDF text extraction unavailable")
	}
	text, err := v.Extractor.ExtractText(path, v.Config.pdfMaxPages())
	if err != nil {
		return reject(fmt.Sprintf("PDF text could not be extracted: %v", err))
	}
	return keywordVerdict(text)
}

func hasRequiredKeys(obj map[string]any) bool {
	keys := make(map[string]struct{}, len(obj))
	for k := range obj {
		keys[normalizeKey(k)] = struct{}{}
	}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			if k == "dob" {
				if _, ok := keys["dateofbirth"]; ok {
					continue
				}
			}
			return false
		}
	}
	for _, k := range historyKeys {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

func normalizeKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ':
			return -1
		}
		return r
	}, strings.ToLower(k))
}

// flatten writes every key and scalar of doc, space separated. Map keys are
// visited in sorted order so the text is stable.
func flatten(sb *strings.Builder, doc any) {
	switch t := doc.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteByte(' ')
			flatten(sb, t[k])
		}
	case []any:
		for _, item := range t {
			flatten(sb, item)
		}
	case nil:
	default:
		fmt.Fprint(sb, t)
		sb.WriteByte(' ')
	}
}

// CountKeywords returns how many keyword groups occur in text, ignoring case.
func CountKeywords(text string) int {
	lower := strings.ToLower(text)
	n := 0
	for _, group := range keywordGroups {
		for _, kw := range group {
			if strings.Contains(lower, kw) {
				n++
				break
			}
		}
	}
	return n
}

func keywordVerdict(text string) Verdict {
	n := CountKeywords(text)
	if n >= minKeywords {
		return accept(fmt.Sprintf("%d health record keywords found", n))
	}
	return reject(fmt.Sprintf("only %d of the required health record keywords found", n))
}
