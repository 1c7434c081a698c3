// Package telemetry keeps the last report of every e-reader that polls for
// images and forwards it to Home Assistant.
package telemetry

import (
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HeaderPrefix marks request headers that carry device attributes
const HeaderPrefix = "X-Device-"

// NameAttribute identifies the device a report belongs to
const NameAttribute = "name"

// queryAttributes maps the query parameters sent by the device scripts onto
// attribute names.
var queryAttributes = map[string]string{
	"name":         NameAttribute,
	"batteryLevel": "battery_level",
	"isCharging":   "charging",
	"c":            "count",
	"ip":           "ip_address",
	"mac":          "mac_address",
	"sn":           "serial_number",
}

// Extract collects device attributes from the query string and X-Device-*
// headers. Headers win when both carry the same attribute.
func Extract(query url.Values, header http.Header) map[string]any {
	attrs := make(map[string]any)

	for param, attr := range queryAttributes {
		values, ok := query[param]
		if !ok || len(values) == 0 {
			continue
		}
		value := values[0]
		if attr == "charging" {
			value = yesNo(value)
		}
		attrs[attr] = attributeValue(attr, value)
	}

	for key, values := range header {
		canonical := http.CanonicalHeaderKey(key)
		if !strings.HasPrefix(canonical, HeaderPrefix) || len(values) == 0 {
			continue
		}
		attr := attributeName(strings.TrimPrefix(canonical, HeaderPrefix))
		if attr == "" {
			continue
		}
		attrs[attr] = attributeValue(attr, values[0])
	}

	return attrs
}

// Coerce turns "true"/"false" into bools and finite numbers into int64 or
// float64. Anything else is returned unchanged.
func Coerce(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}

	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return value
	}
	if f == math.Trunc(f) && math.Abs(f) < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// attributeValue coerces value unless attr is the device name, which keys
// records and must stay exactly as the device sent it ("007" is not "7").
func attributeValue(attr, value string) any {
	if attr == NameAttribute {
		return value
	}
	return Coerce(value)
}

// attributeName converts "Battery-Level" to "battery_level"
func attributeName(suffix string) string {
	return strings.Trim(strings.ToLower(strings.ReplaceAll(suffix, "-", "_")), "_")
}

// yesNo maps the device scripts' yes/no flags onto booleans
func yesNo(value string) string {
	switch strings.ToLower(value) {
	case "yes":
		return "true"
	case "no":
		return "false"
	default:
		return value
	}
}
