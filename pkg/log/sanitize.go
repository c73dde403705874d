package log

import (
	"strings"
)

// SanitizeField checks whether the key names a sensitive attribute and
// masks the value accordingly. Email addresses keep a recognizable
// prefix and their domain; credentials keep only their edges.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)

	// Recipient and sender addresses
	if strings.Contains(lowerKey, "email") || strings.Contains(lowerKey, "mail") || lowerKey == "to" {
		return sanitizeEmail(value)
	}

	sensitiveKeywords := []string{
		"password", "passwd", "pwd",
		"api_key", "apikey", "api-key",
		"token", "access_token", "refresh_token",
		"secret", "auth", "authorization",
		"credential", "private_key", "privatekey",
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return sanitizeSecret(value)
		}
	}

	return value
}

// sanitizeSecret masks a credential, showing only the first and last
// four characters of sufficiently long values.
func sanitizeSecret(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}

	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// sanitizeEmail masks the local part of an address, keeping at most the
// first three characters and the full domain.
func sanitizeEmail(value string) string {
	parts := strings.Split(value, "@")
	if len(parts) != 2 {
		// Not an address; mask everything to stay on the safe side
		return strings.Repeat("*", len(value))
	}

	localPart := parts[0]
	domain := parts[1]

	if len(localPart) <= 3 {
		if len(localPart) == 0 {
			return "@" + domain
		}
		return string(localPart[0]) + strings.Repeat("*", len(localPart)-1) + "@" + domain
	}

	return localPart[:3] + "***@" + domain
}
