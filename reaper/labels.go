package reaper

import (
	"net/url"
	"sort"
	"strings"
)

const (
	// LabelBase is set to "true" on every resource sandpit creates.
	LabelBase = "org.sandpit"
	// LabelSessionID ties a resource to the session that created it.
	LabelSessionID = "org.sandpit.sessionId"
	// LabelCompanion marks the companion container itself.
	LabelCompanion = "org.sandpit.reaper"
	// LabelLang mirrors the client library that created the resource.
	LabelLang = "org.sandpit.lang"
)

// SessionLabels returns the ownership labels for sessionID.
func SessionLabels(sessionID string) map[string]string {
	return map[string]string{
		LabelBase:      "true",
		LabelLang:      "go",
		LabelSessionID: sessionID,
	}
}

// EncodeFilter renders labels as one protocol line body, e.g.
// "label=org.sandpit%3Dtrue&label=org.sandpit.sessionId%3Dabc".
func EncodeFilter(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v := url.Values{}
	for _, k := range keys {
		v.Add("label", k+"="+labels[k])
	}
	return v.Encode()
}

// DecodeFilter parses a protocol line body back into labels. A label
// without "=" matches any value and is returned with an empty value.
func DecodeFilter(line string) (map[string]string, error) {
	q, err := url.ParseQuery(line)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, l := range q["label"] {
		k, v, _ := strings.Cut(l, "=")
		out[k] = v
	}
	return out, nil
}
