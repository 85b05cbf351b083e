package cluster

import (
	"fmt"
	"regexp"
	"strings"
)

// Parameter limits. These bound what a single query may carry, independent of
// engine limits, so a hostile payload is rejected before it reaches a
// connection.
const (
	maxParameterCount     = 50
	maxStringValueLen     = 10_000
	maxArrayElements      = 1_000
	maxArraySerializedLen = 50_000
	maxObjectKeys         = 100
	maxNumberAbs          = 1e15
)

var paramNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

// queryDenyList blocks administrative, DDL, and file-access surface by
// case-insensitive substring match: user/database management and bulk
// load/export never come in through the query endpoint.
var queryDenyList = []string{
	"create database",
	"drop database",
	"alter database",
	"create user",
	"drop user",
	"alter user",
	"grant ",
	"revoke ",
	"copy from",
	"copy to",
	"export database",
	"import database",
	"load from",
	"attach database",
	"detach database",
	"install ",
}

func validateQuery(query string, maxLen int) error {
	if strings.TrimSpace(query) == "" {
		return errValidationf("query is empty")
	}
	if maxLen > 0 && len(query) > maxLen {
		return errValidationf("query length %d exceeds maximum %d", len(query), maxLen)
	}
	lower := strings.ToLower(query)
	for _, banned := range queryDenyList {
		if strings.Contains(lower, banned) {
			return errValidationf("query contains forbidden keyword %q", strings.TrimSpace(banned))
		}
	}
	return nil
}

func validateParams(params map[string]any) error {
	if len(params) > maxParameterCount {
		return errValidationf("parameter count %d exceeds maximum %d", len(params), maxParameterCount)
	}
	for name, value := range params {
		if !paramNameRe.MatchString(name) {
			return errValidationf("invalid parameter name %q", name)
		}
		if err := validateParamValue(name, value); err != nil {
			return err
		}
	}
	return nil
}

// validateParamValue checks one value, using dotted paths in error messages
// so the caller can find the offending field in nested structures.
func validateParamValue(path string, value any) error {
	switch v := value.(type) {
	case nil, bool:
		return nil
	case string:
		if len(v) > maxStringValueLen {
			return errValidationf("parameter %s: string length %d exceeds %d", path, len(v), maxStringValueLen)
		}
		return nil
	case float64:
		return checkNumber(path, v)
	case float32:
		return checkNumber(path, float64(v))
	case int:
		return checkNumber(path, float64(v))
	case int32:
		return checkNumber(path, float64(v))
	case int64:
		return checkNumber(path, float64(v))
	case uint64:
		return checkNumber(path, float64(v))
	case []any:
		if len(v) > maxArrayElements {
			return errValidationf("parameter %s: array has %d elements, maximum %d", path, len(v), maxArrayElements)
		}
		total := 0
		for i, elem := range v {
			total += len(fmt.Sprintf("%v", elem))
			if total > maxArraySerializedLen {
				return errValidationf("parameter %s: array serialization exceeds %d chars", path, maxArraySerializedLen)
			}
			if err := validateParamValue(fmt.Sprintf("%s[%d]", path, i), elem); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		if n := countKeys(v); n > maxObjectKeys {
			return errValidationf("parameter %s: object has %d nested keys, maximum %d", path, n, maxObjectKeys)
		}
		for key, elem := range v {
			if err := validateParamValue(path+"."+key, elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return errValidationf("parameter %s: unsupported type %T", path, value)
	}
}

func checkNumber(path string, v float64) error {
	if v > maxNumberAbs || v < -maxNumberAbs {
		return errValidationf("parameter %s: numeric value out of range", path)
	}
	return nil
}

// countKeys counts all keys in an object, including those of nested objects
// at any depth.
func countKeys(m map[string]any) int {
	n := len(m)
	for _, v := range m {
		if nested, ok := v.(map[string]any); ok {
			n += countKeys(nested)
		}
	}
	return n
}

// Database id rules: alphanumeric plus underscore/hyphen, at most 64 chars,
// no traversal sequences, and not a reserved name.
var dbIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

var reservedDatabaseNames = map[string]bool{
	"system":  true,
	"default": true,
	"admin":   true,
	"backups": true,
	"temp":    true,
}

func validateDatabaseID(id string) error {
	if id == "" {
		return errValidationf("database id is empty")
	}
	if strings.Contains(id, "..") || !dbIDRe.MatchString(id) {
		return errValidationf("invalid database id %q", id)
	}
	if reservedDatabaseNames[strings.ToLower(id)] {
		return errValidationf("database id %q is reserved", id)
	}
	return nil
}
