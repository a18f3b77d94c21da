package sanitize

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Category is the PHI class a field key falls into. Classification is by
// key name, not by value: a phone number stored under "notes" passes
// through, a note stored under "clientPhone" gets masked.
type Category string

const (
	CategoryName        Category = "name"
	CategoryAddress     Category = "address"
	CategoryPhone       Category = "phone"
	CategoryDOB         Category = "date-of-birth"
	CategorySSN         Category = "ssn"
	CategorySignature   Category = "signature"
	CategoryEmail       Category = "email"
	CategoryInsuranceID Category = "insurance-id"
)

// SignatureToken replaces captured signature data wholesale.
const SignatureToken = "[signature on file]"

// keyRules map key-name substrings to categories. Order matters: the first
// matching rule wins, so the specific shapes come before the generic
// "name" catch-all.
var keyRules = []struct {
	substr   string
	category Category
}{
	{"ssn", CategorySSN},
	{"socialsecurity", CategorySSN},
	{"dateofbirth", CategoryDOB},
	{"birthdate", CategoryDOB},
	{"dob", CategoryDOB},
	{"signature", CategorySignature},
	{"email", CategoryEmail},
	{"phone", CategoryPhone},
	{"mobile", CategoryPhone},
	{"fax", CategoryPhone},
	{"insuranceid", CategoryInsuranceID},
	{"policynumber", CategoryInsuranceID},
	{"memberid", CategoryInsuranceID},
	{"address", CategoryAddress},
	{"name", CategoryName},
}

// Classify resolves a field key to its PHI category. The second return is
// false for clinical and operational fields, which sanitization leaves
// untouched.
func Classify(fieldKey string) (Category, bool) {
	key := strings.ToLower(fieldKey)
	for _, r := range keyRules {
		if strings.Contains(key, r.substr) {
			return r.category, true
		}
	}
	return "", false
}

// Sanitize masks every classified field of a flattened map and returns a
// new map. Pure and deterministic: same input, same output, input never
// mutated.
func Sanitize(flat map[string]string) map[string]string {
	out := make(map[string]string, len(flat))
	for key, val := range flat {
		cat, ok := Classify(key)
		if !ok || val == "" {
			out[key] = val
			continue
		}
		out[key] = Mask(cat, val)
	}
	return out
}

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)
var zipPattern = regexp.MustCompile(`\b\d{5}(-\d{4})?\b`)

// Mask applies the category-specific reduction. Every mask keeps just
// enough for a human to confirm identity against a source they already
// hold, never enough to recover the original.
func Mask(cat Category, val string) string {
	switch cat {
	case CategoryName:
		return initials(val)
	case CategoryDOB:
		if y := yearPattern.FindString(val); y != "" {
			return y
		}
		return "****"
	case CategoryPhone:
		return maskPhone(val)
	case CategoryAddress:
		return maskAddress(val)
	case CategorySignature:
		return SignatureToken
	case CategoryEmail:
		return maskEmail(val)
	case CategoryInsuranceID:
		return lastFour(val)
	case CategorySSN:
		return "***-**-****"
	default:
		return val
	}
}

// initials reduces "John Smith" to "J.S.".
func initials(name string) string {
	var b strings.Builder
	for _, word := range strings.Fields(name) {
		r := []rune(word)[0]
		if !unicode.IsLetter(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
		b.WriteByte('.')
	}
	if b.Len() == 0 {
		return "*."
	}
	return b.String()
}

func maskPhone(val string) string {
	var digits []rune
	for _, r := range val {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 4 {
		return "***-***-****"
	}
	return "***-***-" + string(digits[len(digits)-4:])
}

// maskAddress keeps city and state. The street segment is dropped when the
// address has one, and any ZIP is stripped from what remains.
func maskAddress(val string) string {
	parts := strings.Split(val, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) >= 3 {
		parts = parts[1:]
	}
	joined := strings.Join(parts, ", ")
	joined = zipPattern.ReplaceAllString(joined, "")
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(joined), ","))
}

func maskEmail(val string) string {
	at := strings.LastIndex(val, "@")
	if at <= 0 {
		return "***"
	}
	return string([]rune(val[:at])[0]) + "***@" + val[at+1:]
}

func lastFour(val string) string {
	r := []rune(val)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

// Flatten turns a nested payload into the dot-path key/value map the
// export boundary consumes. Slice elements get numeric path segments.
// Keys come out in deterministic order when iterated via sorted Keys.
func Flatten(payload map[string]any) map[string]string {
	out := make(map[string]string)
	flattenInto(out, "", payload)
	return out
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			out[prefix] = ""
			return
		}
		for k, vv := range t {
			flattenInto(out, joinPath(prefix, k), vv)
		}
	case []any:
		if len(t) == 0 && prefix != "" {
			out[prefix] = ""
			return
		}
		for i, vv := range t {
			flattenInto(out, joinPath(prefix, strconv.Itoa(i)), vv)
		}
	case nil:
		out[prefix] = ""
	case string:
		out[prefix] = t
	case float64:
		out[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(t)
	default:
		out[prefix] = fmt.Sprint(t)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Keys returns the map's keys sorted, for stable export ordering.
func Keys(flat map[string]string) []string {
	out := make([]string, 0, len(flat))
	for k := range flat {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
