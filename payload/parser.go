// Package payload turns the raw text recovered from a scanned code into a
// structured identity, and hides the upstream API's drifting field names
// behind tolerant lookup helpers.
package payload

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"go-healthscan/models"
)

// ErrUnrecognized means the text held no usable subject identifier. This is
// a terminal, user-visible outcome ("not a medical code"), distinct from a
// decode miss.
var ErrUnrecognized = errors.New("payload carries no usable identifier")

var (
	subjectIDKeys = []string{"user_id", "subject_id", "userId", "id"}
	nameKeys      = []string{"full_name", "name", "display_name"}

	namePattern = regexp.MustCompile(`(?i)name\s*:([^\n\r]*)`)
	idPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)user id\s*:([^\n\r]*)`),
		regexp.MustCompile(`(?i)user_id\s*:([^\n\r]*)`),
		regexp.MustCompile(`(?i)userid\s*:([^\n\r]*)`),
	}
	dobPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)date of birth\s*:([^\n\r]*)`),
		regexp.MustCompile(`(?i)dob\s*:([^\n\r]*)`),
	}
)

// Parse recovers an identity from scanned raw text. Strict JSON is tried
// first and accepted when the object carries a subject id; the name is
// optional since the id alone is enough to fetch the record. Otherwise
// line-oriented "Label: value" extraction runs with case-insensitive label
// synonyms. Text that yields no identifier is rejected with ErrUnrecognized.
func Parse(raw string) (*models.ParsedPayload, error) {
	raw = norm.NFC.String(strings.TrimSpace(raw))
	if raw == "" {
		return nil, ErrUnrecognized
	}

	if p := parseJSON(raw); p != nil {
		return p, nil
	}

	p := parseLabelled(raw)
	if p.SubjectID == "" {
		return nil, ErrUnrecognized
	}
	return &p, nil
}

func parseJSON(raw string) *models.ParsedPayload {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}

	id := firstField(obj, subjectIDKeys)
	if id == "" {
		return nil
	}

	return &models.ParsedPayload{
		SubjectID:   id,
		FullName:    firstField(obj, nameKeys),
		DateOfBirth: NormalizeDate(firstField(obj, []string{"dob", "date_of_birth"})),
	}
}

func parseLabelled(raw string) models.ParsedPayload {
	var p models.ParsedPayload

	if m := namePattern.FindStringSubmatch(raw); m != nil {
		p.FullName = cleanValue(m[1])
	}
	for _, re := range idPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			p.SubjectID = cleanValue(m[1])
			break
		}
	}
	for _, re := range dobPatterns {
		if m := re.FindStringSubmatch(raw); m != nil {
			p.DateOfBirth = NormalizeDate(cleanValue(m[1]))
			break
		}
	}
	return p
}

func cleanValue(v string) string {
	return strings.Trim(strings.TrimSpace(v), `",`)
}

func firstField(obj map[string]any, keys []string) string {
	for _, key := range keys {
		if s := asString(obj[key]); s != "" {
			return s
		}
	}
	return ""
}

// asString stringifies scalar JSON values; upstream versions have emitted
// numeric ids.
func asString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"1/2/2006",
	"01/02/2006",
}

// NormalizeDate canonicalizes date strings to YYYY-MM-DD, accepting ISO
// timestamps and the locale-ambiguous M/D/Y form. Unparseable input passes
// through unchanged rather than failing the whole parse.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}
