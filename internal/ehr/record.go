package ehr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Record is a record typed in by an administrator instead of uploaded.
type Record struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	DOB            string `json:"dob"`
	Gender         string `json:"gender,omitempty"`
	Genotype       string `json:"genotype"`
	BloodGroup     string `json:"blood_group"`
	MedicalHistory string `json:"medical_history"`
	Allergies      string `json:"allergies,omitempty"`
}

// Missing lists the required fields left blank.
func (r Record) Missing() []string {
	var missing []string
	check := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	check("name", r.Name)
	check("address", r.Address)
	check("dob", r.DOB)
	check("genotype", r.Genotype)
	check("blood_group", r.BloodGroup)
	check("medical_history", r.MedicalHistory)
	return missing
}

// SaveRecord serializes rec to JSON and stores it through the same validated
// path as an upload. The file is named after the save time.
func (r *Repository) SaveRecord(ctx context.Context, userID string, rec Record) (string, error) {
	if missing := rec.Missing(); len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrValidationRejected, strings.Join(missing, ", "))
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp("", "ehr-manual-*.json")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	name := "manual_" + r.now().UTC().Format("20060102T150405.000000000Z") + ".json"
	return r.saveAs(ctx, userID, tmp.Name(), name)
}
