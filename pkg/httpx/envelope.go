package httpx

import (
	"github.com/tidwall/gjson"
)

// UnwrapResult returns the "result" member of an API envelope
// ({"code":1000,"message":"...","result":...}). Bodies that are not an
// envelope are returned unchanged so callers can decode either shape the
// same way.
func UnwrapResult(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return body
	}

	result := root.Get("result")
	if !result.Exists() {
		return body
	}

	return []byte(result.Raw)
}

// ErrorMessage pulls a human readable message out of an error body. It
// understands the API envelope ("message"), OAuth2 style ("error_description",
// "error") and returns "" when nothing fits.
func ErrorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}

	for _, path := range []string{"message", "error_description", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// ErrorCode returns the numeric envelope code, 0 when absent.
func ErrorCode(body []byte) int {
	return int(gjson.GetBytes(body, "code").Int())
}
