package utils

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-approvals/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Validator exposes the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// ValidateStruct runs struct-tag validation and reports failures as X402Error.
func ValidateStruct(code string, v any) error {
	if err := validate.Struct(v); err != nil {
		return &types.X402Error{
			Code:    code,
			Message: fmt.Sprintf("validation failed: %v", err),
			Err:     err,
		}
	}
	return nil
}

// FirstByte returns the first non-whitespace byte of data, or 0 when there is none.
func FirstByte(data []byte) byte {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// ScalarString decodes a JSON string or number into a string pointer.
// Absent, null and empty-string values yield nil.
func ScalarString(raw json.RawMessage) (*string, error) {
	switch FirstByte(raw) {
	case 0, 'n':
		return nil, nil
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		return &s, nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("expected string or number, got %s", string(raw))
		}
		s := n.String()
		return &s, nil
	}
}

// DecodeJSONOrBase64 decodes a header value that may carry plain JSON or base64-wrapped JSON.
func DecodeJSONOrBase64(value string, v any) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value")
	}
	if value[0] == '{' || value[0] == '[' {
		return json.Unmarshal([]byte(value), v)
	}

	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
		if err != nil {
			return fmt.Errorf("value is neither JSON nor base64: %w", err)
		}
	}
	return json.Unmarshal(data, v)
}

// EncodeBase64JSON marshals v and wraps it in standard base64.
func EncodeBase64JSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// BinaryBodyPrefix marks a stored response body that is not valid text and
// was kept as base64.
const BinaryBodyPrefix = "base64:"

// IsStorableText reports whether b can be kept in a text column unchanged.
func IsStorableText(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0) < 0
}

// EncodeBody renders a response body for a text column. Binary bodies, and
// text that would be mistaken for an encoded one, become BinaryBodyPrefix
// followed by standard base64.
func EncodeBody(b []byte) string {
	if IsStorableText(b) && !bytes.HasPrefix(b, []byte(BinaryBodyPrefix)) {
		return string(b)
	}
	return BinaryBodyPrefix + base64.StdEncoding.EncodeToString(b)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(s string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(s, BinaryBodyPrefix)
	if !ok {
		return []byte(s), nil
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// SanitizeText replaces invalid UTF-8 with U+FFFD and drops NUL bytes.
func SanitizeText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
