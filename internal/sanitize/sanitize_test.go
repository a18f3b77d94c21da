package sanitize

import (
	"reflect"
	"testing"
)

func TestSanitizeKnownVectors(t *testing.T) {
	in := map[string]string{
		"clientName":  "John Smith",
		"dateOfBirth": "1954-03-15",
		"clientPhone": "(610) 555-1234",
	}
	want := map[string]string{
		"clientName":  "J.S.",
		"dateOfBirth": "1954",
		"clientPhone": "***-***-1234",
	}
	got := Sanitize(in)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Sanitize = %#v, want %#v", got, want)
	}
	if in["clientName"] != "John Smith" {
		t.Fatal("input map must not be mutated")
	}
}

func TestSanitizeIsDeterministic(t *testing.T) {
	in := map[string]string{"clientName": "Jane Roe", "notes": "free text"}
	a := Sanitize(in)
	b := Sanitize(in)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("two runs disagree: %#v vs %#v", a, b)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		key  string
		want Category
		ok   bool
	}{
		{"clientName", CategoryName, true},
		{"emergencyContacts.0.name", CategoryName, true},
		{"dateOfBirth", CategoryDOB, true},
		{"clientDOB", CategoryDOB, true},
		{"clientPhone", CategoryPhone, true},
		{"emergencyContacts.0.phone", CategoryPhone, true},
		{"clientAddress", CategoryAddress, true},
		{"clientEmail", CategoryEmail, true},
		{"consentSignature", CategorySignature, true},
		{"insuranceId", CategoryInsuranceID, true},
		{"ssn", CategorySSN, true},
		{"socialSecurityNumber", CategorySSN, true},
		{"assessmentScore", "", false},
		{"visitFrequency", "", false},
		{"notes", "", false},
		{"diagnoses.0", "", false},
	}
	for _, tc := range cases {
		got, ok := Classify(tc.key)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Classify(%q) = (%q, %v), want (%q, %v)", tc.key, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMasks(t *testing.T) {
	cases := []struct {
		cat  Category
		in   string
		want string
	}{
		{CategoryName, "John Smith", "J.S."},
		{CategoryName, "Cher", "C."},
		{CategoryName, "Mary Jo Kline", "M.J.K."},
		{CategoryDOB, "1954-03-15", "1954"},
		{CategoryDOB, "03/15/1954", "1954"},
		{CategoryDOB, "unknown", "****"},
		{CategoryPhone, "(610) 555-1234", "***-***-1234"},
		{CategoryPhone, "610.555.9876", "***-***-9876"},
		{CategoryPhone, "x12", "***-***-****"},
		{CategoryAddress, "123 Main St, Springfield, PA 19064", "Springfield, PA"},
		{CategoryAddress, "Springfield, PA", "Springfield, PA"},
		{CategorySignature, "data:image/png;base64,iVBOR", SignatureToken},
		{CategoryEmail, "john@example.com", "j***@example.com"},
		{CategoryEmail, "not-an-email", "***"},
		{CategoryInsuranceID, "BCX-99-12345", "****2345"},
		{CategoryInsuranceID, "1234", "****"},
		{CategorySSN, "123-45-6789", "***-**-****"},
	}
	for _, tc := range cases {
		if got := Mask(tc.cat, tc.in); got != tc.want {
			t.Errorf("Mask(%s, %q) = %q, want %q", tc.cat, tc.in, got, tc.want)
		}
	}
}

func TestUnclassifiedPassThrough(t *testing.T) {
	in := map[string]string{
		"assessmentScore": "7.5",
		"visitFrequency":  "2x weekly",
		"notes":           "patient doing well",
	}
	got := Sanitize(in)
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("clinical fields must pass through: %#v", got)
	}
}

func TestEmptyValuesPassThrough(t *testing.T) {
	got := Sanitize(map[string]string{"clientName": ""})
	if got["clientName"] != "" {
		t.Fatalf("empty value must stay empty, got %q", got["clientName"])
	}
}

func TestFlatten(t *testing.T) {
	payload := map[string]any{
		"clientName": "Jane Roe",
		"emergencyContacts": []any{
			map[string]any{"name": "Bob Roe", "phone": "610-555-0000"},
		},
		"functionalStatus": map[string]any{"mobility": "independent"},
		"assessmentScore":  7.5,
		"flagged":          true,
		"diagnoses":        []any{},
	}
	flat := Flatten(payload)
	want := map[string]string{
		"clientName":                "Jane Roe",
		"emergencyContacts.0.name":  "Bob Roe",
		"emergencyContacts.0.phone": "610-555-0000",
		"functionalStatus.mobility": "independent",
		"assessmentScore":           "7.5",
		"flagged":                   "true",
		"diagnoses":                 "",
	}
	if !reflect.DeepEqual(flat, want) {
		t.Fatalf("Flatten = %#v, want %#v", flat, want)
	}

	clean := Sanitize(flat)
	if clean["emergencyContacts.0.name"] != "B.R." {
		t.Fatalf("nested name not masked: %q", clean["emergencyContacts.0.name"])
	}
	if clean["emergencyContacts.0.phone"] != "***-***-0000" {
		t.Fatalf("nested phone not masked: %q", clean["emergencyContacts.0.phone"])
	}
}
