package request

import (
	"fmt"
	"strings"
)

// Parse reads a MARS-style request text of the form
//
//	retrieve,
//	    class  = od,
//	    stream = oper,
//	    target = "output.grib"
//
// into a Request. Lines starting with '#' are comments. The leading verb
// is required but not interpreted; a "target" entry is moved out of the
// parameters into Request.Target, since the server has no business with
// local paths.
func Parse(text string) (Request, error) {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts = append(parts, line)
	}
	joined := strings.Join(parts, " ")
	if joined == "" {
		return Request{}, fmt.Errorf("request: empty request text")
	}

	fields := strings.Split(joined, ",")
	verb := strings.TrimSpace(fields[0])
	if verb == "" || strings.Contains(verb, "=") {
		return Request{}, fmt.Errorf("request: missing verb in %q", fields[0])
	}

	req := Request{Params: make(map[string]string, len(fields)-1)}
	for _, field := range fields[1:] {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, found := strings.Cut(field, "=")
		if !found {
			return Request{}, fmt.Errorf("request: malformed entry %q", field)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = unquote(strings.TrimSpace(value))
		if key == "" {
			return Request{}, fmt.Errorf("request: malformed entry %q", field)
		}
		if key == "target" {
			req.Target = value
			continue
		}
		req.Params[key] = value
	}
	return req, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
