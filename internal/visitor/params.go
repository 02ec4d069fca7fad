package visitor

import (
	"net/url"
	"strings"
)

// pageParameterNames maps the short query keys a page may carry to the
// visitor data fields they fill.
var pageParameterNames = map[string]string{
	"lc": "language",
	"vn": "first_name",
	"ln": "last_name",
	"vp": "phone",
	"ve": "email",
	"iq": "initial_question",
	"vr": "reference",
	"vi": "information",
}

// ParsePageParameters turns a query string such as "vn=Ann&customField_x=1"
// into visitor data. Unknown keys are dropped; custom fields keep their
// "custom_" prefix.
func ParsePageParameters(query string) map[string]any {
	data := map[string]any{}
	query = strings.TrimPrefix(query, "?")
	if query == "" {
		return data
	}
	for _, pair := range strings.Split(query, "&") {
		name, value, _ := strings.Cut(pair, "=")
		if v, err := url.PathUnescape(value); err == nil {
			value = v
		}
		switch {
		case pageParameterNames[name] != "":
			data[pageParameterNames[name]] = value
		case strings.HasPrefix(name, "customField_"):
			data["custom_"+strings.TrimPrefix(name, "customField_")] = value
		case strings.HasPrefix(name, "custom_"):
			data[name] = value
		}
	}
	return data
}

// mergeData layers data over base without changing either.
func mergeData(base, data map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(data))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}
