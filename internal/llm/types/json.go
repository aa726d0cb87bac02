package types

import (
	"bytes"
	"errors"
)

// ErrNoJSONObject is returned when a completion contains no JSON object.
var ErrNoJSONObject = errors.New("no JSON object in completion")

// ExtractJSONObject strips markdown code fences and surrounding prose from a
// completion and returns the outermost JSON object. It handles
// ```json\n{...}\n```, ```\n{...}\n``` and bare JSON. The result is not
// validated; strict decoding is up to the caller.
func ExtractJSONObject(content string) ([]byte, error) {
	s := bytes.TrimSpace([]byte(content))

	if bytes.HasPrefix(s, []byte("```")) {
		// opening fence line
		if idx := bytes.IndexByte(s, '\n'); idx >= 0 {
			s = s[idx+1:]
		} else {
			s = s[3:]
		}
		if end := bytes.LastIndex(s, []byte("```")); end >= 0 {
			s = s[:end]
		}
		s = bytes.TrimSpace(s)
	}

	start := bytes.IndexByte(s, '{')
	end := bytes.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSONObject
	}
	return s[start : end+1], nil
}
