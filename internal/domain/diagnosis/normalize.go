package diagnosis

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const excerptLimit = 100

var (
	fencePrefix = regexp.MustCompile("^`{3,}[A-Za-z0-9_+-]*")
	fenceSuffix = regexp.MustCompile("`{3,}$")

	boxKeys = []string{"coordinates", "box_2d", "bounding_box"}
)

// StripFences removes leading/trailing code-fence markers. Stripping is applied
// until nothing changes, so StripFences(StripFences(s)) == StripFences(s).
func StripFences(raw string) string {
	current := strings.TrimSpace(raw)
	for {
		next := strings.TrimSpace(fencePrefix.ReplaceAllString(current, ""))
		next = strings.TrimSpace(fenceSuffix.ReplaceAllString(next, ""))
		if next == current {
			return current
		}
		current = next
	}
}

// Normalize turns an untrusted model reply into a fully populated Result.
// It never fails: unparseable replies produce a Result with IsError set.
func Normalize(reply ModelReply) Result {
	cleaned := StripFences(reply.RawText)

	fields, err := parseRecord(cleaned)
	if err != nil {
		res := errorResult("could not parse model reply: " + excerpt(cleaned))
		res.GroundingSnippets = copySnippets(reply.GroundingSnippets)
		return res
	}

	res := Result{
		DiseaseName:       stringField(fields, "disease_name", DefaultDiseaseName),
		Treatment:         stringField(fields, "treatment", DefaultTreatment),
		Medicine:          stringField(fields, "medicine", DefaultMedicine),
		SearchFinding:     stringField(fields, "search_finding", ""),
		BuyLink:           stringField(fields, "buy_link", ""),
		BoundingBox:       boxField(fields),
		GroundingSnippets: copySnippets(reply.GroundingSnippets),
		Sources:           reply.Sources,
	}
	return res
}

// FailedResult converts an invocation failure into the renderable error shape.
func FailedResult(err error) Result {
	msg := "diagnosis failed"
	if err != nil {
		msg = "diagnosis failed: " + err.Error()
	}
	return errorResult(msg)
}

func errorResult(msg string) Result {
	return Result{
		DiseaseName:       errorDiseaseName,
		Treatment:         errorTreatment,
		Medicine:          errorMedicine,
		GroundingSnippets: []string{},
		IsError:           true,
		Error:             msg,
	}
}

func parseRecord(text string) (map[string]json.RawMessage, error) {
	if text == "" {
		return nil, errors.New("empty reply")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &fields); err == nil {
		if fields == nil {
			return nil, errors.New("reply is null")
		}
		return fields, nil
	}
	// Some models wrap the record in a single-element array.
	var list []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 || list[0] == nil {
		return nil, errors.New("reply array holds no record")
	}
	return list[0], nil
}

func stringField(fields map[string]json.RawMessage, key, fallback string) string {
	raw, ok := fields[key]
	if !ok {
		return fallback
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return fallback
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func boxField(fields map[string]json.RawMessage) BoundingBox {
	for _, key := range boxKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		box, ok := decodeBox(raw)
		if !ok {
			return BoundingBox{}
		}
		return box
	}
	return BoundingBox{}
}

func decodeBox(raw json.RawMessage) (BoundingBox, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) != 4 {
		return BoundingBox{}, false
	}
	var values [4]float64
	for i, elem := range elems {
		v, ok := coerceNumber(elem)
		if !ok {
			return BoundingBox{}, false
		}
		values[i] = clampNormalized(v)
	}
	box := BoundingBox{YMin: values[0], XMin: values[1], YMax: values[2], XMax: values[3]}
	if box.YMin > box.YMax {
		box.YMin, box.YMax = box.YMax, box.YMin
	}
	if box.XMin > box.XMax {
		box.XMin, box.XMax = box.XMax, box.XMin
	}
	return box, true
}

// coerceNumber accepts JSON numbers and numeric strings. Values beyond float64 range
// come back as ±Inf so clamping can still place them on the scale edge.
func coerceNumber(raw json.RawMessage) (float64, bool) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false
		}
		num = json.Number(strings.TrimSpace(text))
	}
	v, err := strconv.ParseFloat(num.String(), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func clampNormalized(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > NormalizedScale {
		return NormalizedScale
	}
	return v
}

func excerpt(text string) string {
	if utf8.RuneCountInString(text) <= excerptLimit {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptLimit])
}

func copySnippets(snippets []string) []string {
	out := make([]string, len(snippets))
	copy(out, snippets)
	return out
}
