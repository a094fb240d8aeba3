package task

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	agenterrors "github.com/odvcencio/agentremote/pkg/errors"
)

// MaxDescriptionLength bounds a sanitized description, in characters.
const MaxDescriptionLength = 500

var allowedDescription = regexp.MustCompile(`^[a-zA-Z0-9\s\-_.,!?]+$`)

// Sanitize trims raw and checks it against the description contract. Returned
// errors are validation errors whose message is safe to show the requester.
func Sanitize(raw string) (string, error) {
	description := strings.TrimSpace(raw)

	if description == "" {
		return "", agenterrors.Validation("Description cannot be empty")
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return "", agenterrors.Validation(fmt.Sprintf("Description too long (max %d chars)", MaxDescriptionLength))
	}
	if hasPathSequence(description) {
		return "", agenterrors.Validation("Path separators not allowed in description")
	}
	if !allowedDescription.MatchString(description) {
		return "", agenterrors.Validation("Description contains forbidden characters")
	}
	return description, nil
}

func hasPathSequence(s string) bool {
	return strings.ContainsAny(s, `/\`) ||
		strings.Contains(s, "..") ||
		strings.ContainsRune(s, os.PathSeparator)
}
