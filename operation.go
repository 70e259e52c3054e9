package sselink

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Operation is one GraphQL operation descriptor: the document text plus its
// variable bindings. The link activates only for operations whose root kind
// is subscription; everything else belongs to a request/response transport.
type Operation struct {
	// Query is the operation document.
	Query string
	// Variables is JSON-encoded onto the wire only when non-empty.
	Variables map[string]any
	// OperationName selects the operation when the document defines several
	// and is kept for introspection and logging.
	OperationName string
}

// IsSubscription reports whether the document's root operation kind is
// subscription. Comments and string literals are ignored; documents opening
// with fragment definitions resolve the first operation definition after
// them.
func (op Operation) IsSubscription() bool {
	return operationKind(op.Query) == "subscription"
}

// targetURL composes the connection's addressable target: the endpoint URL
// with the document, the JSON-encoded variables (only if non-empty), and
// the operation name appended as query parameters. The encoding is stable:
// url.Values sorts keys.
func (op Operation) targetURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint url: %w", err)
	}

	q := u.Query()
	q.Set("query", op.Query)
	if len(op.Variables) > 0 {
		encoded, err := json.Marshal(op.Variables)
		if err != nil {
			return "", fmt.Errorf("encode variables: %w", err)
		}
		q.Set("variables", string(encoded))
	}
	if op.OperationName != "" {
		q.Set("operationName", op.OperationName)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// operationKind scans the document for the root operation keyword without
// fully parsing GraphQL: comments and strings are skipped, fragment bodies
// are depth-tracked, and a bare selection set at the top level is the
// query shorthand.
func operationKind(doc string) string {
	depth := 0
	fragmentHeader := false

	for i := 0; i < len(doc); {
		ch := doc[i]
		switch {
		case ch == '#':
			for i < len(doc) && doc[i] != '\n' {
				i++
			}
		case ch == '"':
			i = skipStringLiteral(doc, i)
		case ch == '{':
			if depth == 0 && !fragmentHeader {
				return "query"
			}
			fragmentHeader = false
			depth++
			i++
		case ch == '}':
			depth--
			i++
		case isNameStart(ch):
			j := i
			for j < len(doc) && isNameChar(doc[j]) {
				j++
			}
			if depth == 0 {
				switch doc[i:j] {
				case "query", "mutation", "subscription":
					return doc[i:j]
				case "fragment":
					fragmentHeader = true
				}
			}
			i = j
		default:
			i++
		}
	}

	return "query"
}

// skipStringLiteral returns the index just past the string starting at i,
// handling both regular and triple-quoted block strings.
func skipStringLiteral(doc string, i int) int {
	if i+2 < len(doc) && doc[i:i+3] == `"""` {
		j := i + 3
		for j < len(doc) {
			if doc[j] == '\\' {
				j += 2
				continue
			}
			if j+2 < len(doc) && doc[j:j+3] == `"""` {
				return j + 3
			}
			j++
		}
		return len(doc)
	}

	j := i + 1
	for j < len(doc) {
		switch doc[j] {
		case '\\':
			j += 2
		case '"':
			return j + 1
		default:
			j++
		}
	}
	return len(doc)
}

func isNameStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isNameChar(ch byte) bool {
	return isNameStart(ch) || (ch >= '0' && ch <= '9')
}
