package profile

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

// PayloadShape names one of the embedded data layouts the platform has served
type PayloadShape string

const (
	ShapeUniversalData PayloadShape = "universal_data"
	ShapeSIGIState     PayloadShape = "sigi_state"
	ShapeRawScan       PayloadShape = "raw_scan"
)

const (
	universalDataScriptID = "__UNIVERSAL_DATA_FOR_REHYDRATION__"
	sigiStateScriptID     = "SIGI_STATE"
)

// Platform statusCode values that mean the profile is gone
var notFoundStatusCodes = map[int64]bool{
	10202: true, // user banned or removed
	10221: true, // user does not exist
}

// ProfilePayload is what one parser could read out of the page
type ProfilePayload struct {
	Shape      PayloadShape
	StatusCode int64
	BioPresent bool
	Bio        string
}

// NotFound reports whether the payload carries a does-not-exist sentinel
func (p *ProfilePayload) NotFound() bool {
	return notFoundStatusCodes[p.StatusCode]
}

// document is the raw page plus its id'd script bodies, extracted once
type document struct {
	body    []byte
	scripts map[string]string
}

type payloadParser struct {
	shape PayloadShape
	parse func(doc *document, handle string) (*ProfilePayload, bool)
}

// parsers run in this order; the first that yields non-empty bio text wins
var parsers = []payloadParser{
	{shape: ShapeUniversalData, parse: parseUniversalData},
	{shape: ShapeSIGIState, parse: parseSIGIState},
	{shape: ShapeRawScan, parse: parseRawScan},
}

// Classification is the combined verdict over every parser
type Classification struct {
	NotFound bool
	Empty    bool
	Bio      string
	Shape    PayloadShape
	Parsed   bool // false when no parser recognized the payload
}

// classifyPayload runs the parsers in order, falling through on failure
func classifyPayload(body []byte, handle string) Classification {
	doc := &document{body: body, scripts: extractScripts(body)}

	var sawEmpty bool
	var emptyShape PayloadShape
	for _, p := range parsers {
		payload, ok := p.parse(doc, handle)
		if !ok {
			continue
		}
		if payload.NotFound() {
			return Classification{NotFound: true, Shape: payload.Shape, Parsed: true}
		}
		if strings.TrimSpace(payload.Bio) != "" {
			return Classification{Bio: payload.Bio, Shape: payload.Shape, Parsed: true}
		}
		if payload.BioPresent && !sawEmpty {
			sawEmpty = true
			emptyShape = payload.Shape
		}
	}

	if sawEmpty {
		return Classification{Empty: true, Shape: emptyShape, Parsed: true}
	}
	return Classification{}
}

// extractScripts collects the text of every <script id="..."> element
func extractScripts(body []byte) map[string]string {
	scripts := make(map[string]string)
	z := html.NewTokenizer(bytes.NewReader(body))

	var currentID string
	for {
		switch z.Next() {
		case html.ErrorToken:
			return scripts
		case html.StartTagToken:
			currentID = ""
			name, hasAttr := z.TagName()
			if string(name) != "script" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "id" {
					currentID = string(val)
				}
				if !more {
					break
				}
			}
		case html.TextToken:
			if currentID != "" {
				scripts[currentID] += string(z.Text())
			}
		case html.EndTagToken:
			currentID = ""
		}
	}
}

func parseUniversalData(doc *document, _ string) (*ProfilePayload, bool) {
	raw, ok := doc.scripts[universalDataScriptID]
	if !ok || !gjson.Valid(raw) {
		return nil, false
	}

	scope := gjson.Get(raw, `__DEFAULT_SCOPE__.webapp\.user-detail`)
	if !scope.Exists() {
		return nil, false
	}

	payload := &ProfilePayload{
		Shape:      ShapeUniversalData,
		StatusCode: scope.Get("statusCode").Int(),
	}
	if sig := scope.Get("userInfo.user.signature"); sig.Exists() {
		payload.BioPresent = true
		payload.Bio = normalizeNewlines(sig.String())
	}
	return payload, true
}

func parseSIGIState(doc *document, handle string) (*ProfilePayload, bool) {
	raw, ok := doc.scripts[sigiStateScriptID]
	if !ok || !gjson.Valid(raw) {
		return nil, false
	}

	payload := &ProfilePayload{
		Shape:      ShapeSIGIState,
		StatusCode: gjson.Get(raw, "UserPage.statusCode").Int(),
	}

	users := gjson.Get(raw, "UserModule.users")
	if !users.Exists() && payload.StatusCode == 0 {
		return nil, false
	}

	user := users.Get(escapePathKey(handle))
	if !user.Exists() {
		users.ForEach(func(_, value gjson.Result) bool {
			user = value
			return false
		})
	}
	if sig := user.Get("signature"); sig.Exists() {
		payload.BioPresent = true
		payload.Bio = normalizeNewlines(sig.String())
	}
	return payload, true
}

var (
	rawSignaturePattern  = regexp.MustCompile(`"signature"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	rawStatusCodePattern = regexp.MustCompile(`"statusCode"\s*:\s*(\d+)`)
)

func parseRawScan(doc *document, _ string) (*ProfilePayload, bool) {
	payload := &ProfilePayload{Shape: ShapeRawScan}
	found := false

	if m := rawStatusCodePattern.FindSubmatch(doc.body); m != nil {
		if code, err := strconv.ParseInt(string(m[1]), 10, 64); err == nil {
			payload.StatusCode = code
			found = true
		}
	}
	if m := rawSignaturePattern.FindSubmatch(doc.body); m != nil {
		payload.BioPresent = true
		payload.Bio = unescapeBio(string(m[1]))
		found = true
	}
	return payload, found
}

// escapePathKey escapes gjson path metacharacters in a literal key
func escapePathKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
