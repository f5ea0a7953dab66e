package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errInvalidArgument = errors.New("invalid argument")

func argError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidArgument, fmt.Sprintf(format, args...))
}

// stringArg reads a string argument. A required argument must be non-blank.
func stringArg(args map[string]any, key string, required bool) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return "", argError("%s is required", key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", argError("%s must be a string, got %T", key, raw)
	}
	s = strings.TrimSpace(s)
	if required && s == "" {
		return "", argError("%s is required", key)
	}
	return s, nil
}

// intArg reads an integer argument, returning def when absent. JSON
// numbers arrive as float64; numeric strings are accepted too.
func intArg(args map[string]any, key string, def int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, argError("%s must be an integer, got %v", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, argError("%s must be an integer, got %q", key, v.String())
		}
		return int(n), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return def, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, argError("%s must be an integer, got %q", key, v)
		}
		return n, nil
	default:
		return 0, argError("%s must be an integer, got %T", key, raw)
	}
}

// boolArg reads a boolean argument. Strings true/false/1/0/yes/no are
// accepted. The second result is false when the argument is absent.
func boolArg(args map[string]any, key string) (bool, bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return false, false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, true, nil
	case float64:
		return v != 0, true, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, true, nil
		case "false", "0", "no":
			return false, true, nil
		case "":
			return false, false, nil
		}
	}
	return false, false, argError("%s must be a boolean, got %v", key, raw)
}

// decodeArg converts an argument into a typed value by round-tripping
// it through JSON.
func decodeArg(args map[string]any, key string, out any) error {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return argError("%s: %v", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return argError("%s has the wrong shape: %v", key, err)
	}
	return nil
}
