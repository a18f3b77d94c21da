package records

// Canonical top-level schema defaults per record type. A decrypted payload
// missing any of these keys gains the default on read, so old records pick
// up newly introduced sections without an explicit migration step. Fill is
// shallow: present keys are never touched.
var schemaDefaults = map[Type]map[string]any{
	TypeIntake: {
		"clientName":        "",
		"dateOfBirth":       "",
		"clientPhone":       "",
		"clientAddress":     "",
		"clientEmail":       "",
		"intakeDate":        "",
		"referralSource":    "",
		"insuranceId":       "",
		"diagnoses":         []any{},
		"medications":       []any{},
		"allergies":         []any{},
		"emergencyContacts": []any{},
		"consentSignature":  "",
		"notes":             "",
	},
	TypeAssessment: {
		"clientName":       "",
		"assessmentDate":   "",
		"assessmentScore":  float64(0),
		"visitFrequency":   "",
		"functionalStatus": map[string]any{},
		"safetyRisks":      []any{},
		"equipmentNeeds":   []any{},
		"notes":            "",
	},
}

// Keys that appear in exactly one type's shape; used to sniff legacy
// payloads that predate the type tag.
var sniffKeys = map[Type][]string{
	TypeIntake:     {"referralSource", "intakeDate", "emergencyContacts"},
	TypeAssessment: {"assessmentScore", "visitFrequency", "functionalStatus"},
}

// SniffType resolves the type of an untagged payload by its shape. Second
// step of the two-step resolution: the explicit tag always wins when set.
func SniffType(payload map[string]any) (Type, error) {
	for _, typ := range []Type{TypeIntake, TypeAssessment} {
		for _, key := range sniffKeys[typ] {
			if _, ok := payload[key]; ok {
				return typ, nil
			}
		}
	}
	return "", ErrUnknownRecordType
}

// ApplyDefaults copies missing canonical keys into payload. Defaults are
// cloned so records never alias the shared schema tables.
func ApplyDefaults(typ Type, payload map[string]any) map[string]any {
	if payload == nil {
		payload = make(map[string]any)
	}
	for key, def := range schemaDefaults[typ] {
		if _, ok := payload[key]; !ok {
			payload[key] = cloneDefault(def)
		}
	}
	return payload
}

func cloneDefault(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneDefault(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneDefault(vv)
		}
		return out
	default:
		return v
	}
}
