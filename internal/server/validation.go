package server

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mnemolabs/mnemo/internal/memory"
)

const maxContentBytes = 1024 * 1024

func validateMachineName(value string) *AppError {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return badRequest("ERR_INVALID_MACHINE", "machine_name is required")
	}
	if len([]rune(trimmed)) > 255 {
		return badRequest("ERR_INVALID_MACHINE", "machine_name too long")
	}
	if containsControl(trimmed) {
		return badRequest("ERR_INVALID_MACHINE", "machine_name contains control characters")
	}
	return nil
}

func validateProjectPath(value string) *AppError {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return badRequest("ERR_INVALID_PROJECT_PATH", "project_path is required")
	}
	if len([]rune(trimmed)) > 1024 {
		return badRequest("ERR_INVALID_PROJECT_PATH", "project_path too long")
	}
	if strings.ContainsRune(trimmed, '\x00') {
		return badRequest("ERR_INVALID_PROJECT_PATH", "project_path contains a null byte")
	}
	return nil
}

func validateContent(content string) *AppError {
	if strings.TrimSpace(content) == "" {
		return badRequest("ERR_INVALID_CONTENT", "content is required")
	}
	if strings.ContainsRune(content, '\x00') {
		return badRequest("ERR_INVALID_CONTENT", "content contains a null byte")
	}
	if !utf8.ValidString(content) {
		return badRequest("ERR_INVALID_CONTENT", "content is not valid UTF-8")
	}
	if len(content) > maxContentBytes {
		return badRequest("ERR_INVALID_CONTENT", "content exceeds 1MB limit")
	}
	return nil
}

func validateCategory(value string) *AppError {
	if !memory.Category(value).Valid() {
		return badRequest("ERR_INVALID_CONTENT_TYPE", "content_type must be one of requirement, plan, development, testing, insight")
	}
	return nil
}

func validateTimestamp(ts int64) *AppError {
	if ts <= 0 {
		return badRequest("ERR_INVALID_TS", "ts must be a positive unix timestamp")
	}
	if ts > time.Now().UTC().Add(10*time.Second).Unix() {
		return badRequest("ERR_INVALID_TS", "ts is in the future")
	}
	return nil
}

func validateQuery(query string) *AppError {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return badRequest("ERR_INVALID_QUERY", "query is required")
	}
	if len([]rune(trimmed)) > 1000 {
		return badRequest("ERR_INVALID_QUERY", "query too long")
	}
	return nil
}

// validateScope resolves the scope query parameter to a category filter.
// Empty or "all" searches every category.
func validateScope(value string) (memory.Category, *AppError) {
	if value == "" || value == "all" {
		return "", nil
	}
	if !memory.Category(value).Valid() {
		return "", badRequest("ERR_INVALID_SCOPE", "scope must be a content type or \"all\"")
	}
	return memory.Category(value), nil
}

func validateLimit(limit, def, max int) (int, *AppError) {
	if limit == 0 {
		return def, nil
	}
	if limit < 1 || limit > max {
		return 0, badRequest("ERR_INVALID_LIMIT", "limit out of range")
	}
	return limit, nil
}

func containsControl(value string) bool {
	for _, r := range value {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
