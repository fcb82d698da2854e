// Package validation implements the input-validation middleware: built-in
// injection and size checks over every string field of a message body, plus
// an ordered list of pluggable custom validators.
package validation

import "regexp"

// Injection detection patterns. Each guards one built-in check; matches are
// treated as hostile input, not malformed input.
var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\b(union\s+(all\s+)?select|select\s+.+\s+from|insert\s+into|update\s+\w+\s+set|delete\s+from|drop\s+(table|database)|exec(ute)?\s*\()|--|/\*|;\s*(drop|delete|update|insert)\b|'\s*(or|and)\s+['\d])`)

	nosqlInjectionPattern = regexp.MustCompile(`(?i)(\$where\b|\$ne\b|\$gt\b|\$lt\b|\$regex\b|\$or\b|\$and\b|\$in\b|\$nin\b)`)

	commandInjectionPattern = regexp.MustCompile("(?i)([;|&`]|\\$\\(|&&|\\|\\|)\\s*(cat|ls|rm|mv|cp|wget|curl|nc|sh|bash|cmd|powershell|ping|chmod|chown)\\b")

	ldapInjectionPattern = regexp.MustCompile(`\(\s*[|&!]\s*\(|\*\s*\)\s*\(|\)\s*\(\s*[|&]`)

	pathTraversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)

	htmlInjectionPattern = regexp.MustCompile(`(?i)(<\s*(script|iframe|object|embed|svg)\b|javascript\s*:|\bon(error|load|click|mouseover)\s*=)`)

	// Control characters other than tab, newline, and carriage return.
	controlCharPattern = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]")
)
