package gateway

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Message is one upstream error or informational message.
type Message struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Envelope is the uniform result shape returned for every upstream
// call, regardless of whether it was REST or GraphQL.
type Envelope struct {
	Success  bool      `json:"success"`
	Status   int       `json:"status,omitempty"`
	Result   any       `json:"result"`
	Errors   []Message `json:"errors"`
	Messages []Message `json:"messages"`
}

// IsGraphQLPath classifies a request path as GraphQL. The query string
// and trailing slashes are stripped before comparison; a path equal to
// the configured GraphQL endpoint or ending in /graphql is GraphQL,
// everything else is REST.
func IsGraphQLPath(path, graphqlPath string) bool {
	clean := func(p string) string {
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}

		p = strings.TrimRight(p, "/")
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}

		return p
	}

	p := clean(path)

	return p == clean(graphqlPath) || strings.HasSuffix(p, "/graphql")
}

// Normalize folds an upstream HTTP response into the uniform envelope.
// Non-JSON responses pass through as raw text on HTTP success and fail
// otherwise; JSON responses branch on the GraphQL path classification.
func Normalize(path, graphqlPath string, status int, contentType string, body []byte) (*Envelope, error) {
	if !strings.Contains(contentType, "json") {
		if status >= 200 && status < 300 {
			return &Envelope{
				Success:  true,
				Status:   status,
				Result:   string(body),
				Errors:   []Message{},
				Messages: []Message{},
			}, nil
		}

		return nil, fmt.Errorf("upstream returned HTTP %d: %s", status, snippet(body))
	}

	if IsGraphQLPath(path, graphqlPath) {
		return normalizeGraphQL(body)
	}

	return normalizeREST(status, body)
}

// normalizeGraphQL maps a GraphQL response body into the envelope.
// Partial data is preserved: errors alongside data yield success=false
// with the data still attached. Only a response with errors and no data
// at all is a hard failure.
func normalizeGraphQL(body []byte) (*Envelope, error) {
	// The errors field is read defensively: anything that is not an
	// array is treated as no errors.
	var errs []gjson.Result
	if v := gjson.GetBytes(body, "errors"); v.IsArray() {
		errs = v.Array()
	}

	data := gjson.GetBytes(body, "data")
	hasData := data.Exists() && data.Type != gjson.Null

	if len(errs) > 0 && !hasData {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Get("message").String())
		}

		return nil, fmt.Errorf("GraphQL request failed: %s", strings.Join(msgs, "; "))
	}

	env := &Envelope{
		Success:  len(errs) == 0,
		Result:   data.Value(),
		Errors:   make([]Message, 0, len(errs)),
		Messages: []Message{},
	}

	for _, e := range errs {
		msg := e.Get("message").String()

		if p := e.Get("path"); p.IsArray() {
			parts := make([]string, 0, len(p.Array()))
			for _, seg := range p.Array() {
				parts = append(parts, seg.String())
			}

			if len(parts) > 0 {
				msg += " (at " + strings.Join(parts, ".") + ")"
			}
		}

		env.Errors = append(env.Errors, Message{
			Code:    int(e.Get("extensions.code").Int()),
			Message: msg,
		})
	}

	if len(errs) > 0 {
		env.Messages = append(env.Messages, Message{
			Message: fmt.Sprintf("%d GraphQL error(s) occurred; partial data may be present", len(errs)),
		})
	}

	return env, nil
}

// normalizeREST unwraps the upstream's {success, result, errors}
// envelope. A success=false response becomes an error carrying every
// upstream code and message.
func normalizeREST(status int, body []byte) (*Envelope, error) {
	success := gjson.GetBytes(body, "success")

	if !success.Exists() {
		// Plain JSON without the conventional envelope: pass the parsed
		// document through on HTTP success.
		if status >= 200 && status < 300 {
			return &Envelope{
				Success:  true,
				Status:   status,
				Result:   gjson.ParseBytes(body).Value(),
				Errors:   []Message{},
				Messages: []Message{},
			}, nil
		}

		return nil, fmt.Errorf("upstream returned HTTP %d: %s", status, snippet(body))
	}

	if !success.Bool() {
		var parts []string
		if v := gjson.GetBytes(body, "errors"); v.IsArray() {
			for _, e := range v.Array() {
				parts = append(parts, fmt.Sprintf("%d: %s", e.Get("code").Int(), e.Get("message").String()))
			}
		}

		if len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("HTTP %d", status))
		}

		return nil, fmt.Errorf("API request failed: %s", strings.Join(parts, ", "))
	}

	env := &Envelope{
		Success:  true,
		Status:   status,
		Result:   gjson.GetBytes(body, "result").Value(),
		Errors:   []Message{},
		Messages: []Message{},
	}

	if v := gjson.GetBytes(body, "messages"); v.IsArray() {
		for _, m := range v.Array() {
			env.Messages = append(env.Messages, Message{
				Code:    int(m.Get("code").Int()),
				Message: m.Get("message").String(),
			})
		}
	}

	return env, nil
}

// snippet bounds an error-message body excerpt.
func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		s = s[:max] + "..."
	}

	return s
}
