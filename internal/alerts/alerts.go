// Package alerts derives health alerts from a medical record's vitals and
// symptoms.
//
// Evaluation is pure and local: it runs at capture time on the device,
// before any sync, so a field worker sees referrals immediately even with
// no connectivity. A zero vital means "not measured" and never trips a
// rule.
package alerts

import (
	"fmt"
	"strconv"

	"fieldcare/internal/schema"
)

// Severity levels, low to high.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Alert is one triggered health rule.
type Alert struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	BodyPart       string `json:"body_part"`
	Recommendation string `json:"recommendation"`
}

// severityRank orders severities for comparison.
func severityRank(severity string) int {
	switch severity {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Evaluate runs every alert rule against the record and returns the
// triggered alerts in rule order.
func Evaluate(r *schema.MedicalRecord) []Alert {
	var out []Alert

	if r.Fever && r.Cough && r.CoughDuration > 14 {
		out = append(out, Alert{
			Type:     "tb_risk",
			Name:     "TB Risk",
			Severity: SeverityHigh,
			Message: fmt.Sprintf("TB Risk - Persistent cough (%d days) with fever. Refer for testing.",
				r.CoughDuration),
			BodyPart:       "lungs",
			Recommendation: "Refer to TB testing center immediately",
		})
	}

	if r.Hemoglobin > 0 {
		switch {
		case r.Hemoglobin < 7:
			out = append(out, Alert{
				Type:           "anemia_severe",
				Name:           "Severe Anemia",
				Severity:       SeverityHigh,
				Message:        fmt.Sprintf("Severe Anemia - Hb: %s g/dL", formatFloat(r.Hemoglobin)),
				BodyPart:       "blood",
				Recommendation: "Urgent referral for blood transfusion evaluation",
			})
		case r.Hemoglobin < 10:
			out = append(out, Alert{
				Type:           "anemia_moderate",
				Name:           "Moderate Anemia",
				Severity:       SeverityMedium,
				Message:        fmt.Sprintf("Moderate Anemia - Hb: %s g/dL", formatFloat(r.Hemoglobin)),
				BodyPart:       "blood",
				Recommendation: "Iron and folic acid supplementation, diet counseling",
			})
		}
	}

	if r.BPSystolic > 0 {
		switch {
		case r.BPSystolic < 90:
			out = append(out, Alert{
				Type:           "hypotension",
				Name:           "Low Blood Pressure",
				Severity:       SeverityHigh,
				Message:        fmt.Sprintf("Hypotension - BP: %d/%d", r.BPSystolic, r.BPDiastolic),
				BodyPart:       "heart",
				Recommendation: "Check for dehydration or blood loss, refer if symptomatic",
			})
		case r.BPSystolic >= 160:
			out = append(out, Alert{
				Type:           "hypertension_severe",
				Name:           "Severe Hypertension",
				Severity:       SeverityHigh,
				Message:        fmt.Sprintf("Severe Hypertension - BP: %d/%d", r.BPSystolic, r.BPDiastolic),
				BodyPart:       "heart",
				Recommendation: "Immediate medical referral required",
			})
		case r.BPSystolic >= 140:
			out = append(out, Alert{
				Type:           "hypertension",
				Name:           "Hypertension",
				Severity:       SeverityMedium,
				Message:        fmt.Sprintf("Hypertension - BP: %d/%d", r.BPSystolic, r.BPDiastolic),
				BodyPart:       "heart",
				Recommendation: "Lifestyle modification, regular monitoring",
			})
		}
	}

	if r.HeartRate > 0 {
		switch {
		case r.HeartRate < 60:
			out = append(out, Alert{
				Type:           "bradycardia",
				Name:           "Low Heart Rate",
				Severity:       SeverityMedium,
				Message:        fmt.Sprintf("Bradycardia - Heart Rate: %d bpm", r.HeartRate),
				BodyPart:       "heart",
				Recommendation: "Check medications, refer if dizzy or fainting",
			})
		case r.HeartRate > 100:
			out = append(out, Alert{
				Type:           "tachycardia",
				Name:           "High Heart Rate",
				Severity:       SeverityMedium,
				Message:        fmt.Sprintf("Tachycardia - Heart Rate: %d bpm", r.HeartRate),
				BodyPart:       "heart",
				Recommendation: "Rule out fever, anemia and dehydration",
			})
		}
	}

	if r.BloodSugar > 200 {
		out = append(out, Alert{
			Type:           "diabetes_high",
			Name:           "High Blood Sugar",
			Severity:       SeverityHigh,
			Message:        fmt.Sprintf("Diabetes Risk - Blood Sugar: %d mg/dL", r.BloodSugar),
			BodyPart:       "pancreas",
			Recommendation: "Refer for diabetes evaluation",
		})
	}

	if r.Temperature > 0 {
		switch {
		case r.Temperature > 39:
			out = append(out, Alert{
				Type:           "fever_high",
				Name:           "High Fever",
				Severity:       SeverityHigh,
				Message:        fmt.Sprintf("High Fever - Temperature: %s°C", formatFloat(r.Temperature)),
				BodyPart:       "head",
				Recommendation: "Immediate medical attention, check for infection",
			})
		case r.Temperature >= 38:
			out = append(out, Alert{
				Type:           "fever_moderate",
				Name:           "Fever",
				Severity:       SeverityMedium,
				Message:        fmt.Sprintf("Fever - Temperature: %s°C", formatFloat(r.Temperature)),
				BodyPart:       "head",
				Recommendation: "Monitor, paracetamol, fluids",
			})
		}
	}

	return out
}

// BodyRisk summarizes the worst alert per body part.
type BodyRisk struct {
	Severity string  `json:"severity"`
	Alerts   []Alert `json:"alerts"`
}

// BodyRiskMap groups a record's alerts by body part, keeping the highest
// severity for each.
func BodyRiskMap(r *schema.MedicalRecord) map[string]*BodyRisk {
	out := make(map[string]*BodyRisk)
	for _, a := range Evaluate(r) {
		risk, ok := out[a.BodyPart]
		if !ok {
			out[a.BodyPart] = &BodyRisk{Severity: a.Severity, Alerts: []Alert{a}}
			continue
		}
		if severityRank(a.Severity) > severityRank(risk.Severity) {
			risk.Severity = a.Severity
		}
		risk.Alerts = append(risk.Alerts, a)
	}
	return out
}

// formatFloat renders a vital the way it was entered: no trailing zeros.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
