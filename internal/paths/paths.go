package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"eodms-api-client/internal/helpers"
)

// Tags accepted in output name patterns.
var allowedTags = map[string]struct{}{
	"collection": {},
	"start":      {},
	"end":        {},
	"date":       {},
	"count":      {},
}

// Regex to find tags like {tagName}
var tagRegex = regexp.MustCompile(`\{([^}]+)\}`)

// ValidatePattern returns an error naming the first unknown tag in pattern.
func ValidatePattern(pattern string) error {
	for _, match := range tagRegex.FindAllStringSubmatch(pattern, -1) {
		if _, ok := allowedTags[match[1]]; !ok {
			return fmt.Errorf("unknown tag found in path pattern: %s", match[0])
		}
	}
	return nil
}

// GeneratePath substitutes placeholders in a pattern string with sanitized values from the data map.
// Missing or empty values become "empty_<tag>". The result is always relative.
func GeneratePath(pattern string, data map[string]string) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}

	generatedPath := tagRegex.ReplaceAllStringFunc(pattern, func(tagWithBraces string) string {
		tagName := strings.Trim(tagWithBraces, "{}")
		value := helpers.ConvertToSlug(data[tagName])
		if value == "" {
			value = "empty_" + tagName
		}
		return value
	})

	cleanedPath := filepath.Clean(generatedPath)
	if cleanedPath == "." || cleanedPath == "" {
		return "", fmt.Errorf("generated path pattern resulted in an empty or invalid path: '%s'", pattern)
	}
	cleanedPath = strings.TrimPrefix(cleanedPath, string(filepath.Separator))

	// Prevent path traversal
	if strings.Contains(cleanedPath, "..") {
		return "", fmt.Errorf("generated path contains invalid sequence '..': %s", cleanedPath)
	}

	return cleanedPath, nil
}
