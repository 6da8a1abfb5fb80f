// Package redact strips secret-shaped substrings from log text before it is
// exposed to any caller or persisted store.
package redact

import "regexp"

// Sentinel replaces every recognized secret.
const Sentinel = "[REDACTED]"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Rules are applied in order. Token-style patterns are replaced wholesale;
// prefix-style patterns (Bearer headers, key=value leaks) keep the prefix and
// mask only the value, which also makes re-redaction a no-op.
var rules = []rule{
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{10,}`), Sentinel},
	{regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`), Sentinel},
	{regexp.MustCompile(`sess-[A-Za-z0-9_-]{10,}`), Sentinel},
	{regexp.MustCompile(`codex_oauth_[A-Za-z0-9._-]{10,}`), Sentinel},
	{regexp.MustCompile(`ghp_[A-Za-z0-9]{10,}`), Sentinel},
	{regexp.MustCompile(`gho_[A-Za-z0-9]{10,}`), Sentinel},
	{regexp.MustCompile(`ghs_[A-Za-z0-9]{10,}`), Sentinel},
	{regexp.MustCompile(`ghr_[A-Za-z0-9]{10,}`), Sentinel},
	{regexp.MustCompile(`ghu_[A-Za-z0-9]{10,}`), Sentinel},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{10,}`), Sentinel},
	{regexp.MustCompile(`lin_api_[A-Za-z0-9]{10,}`), Sentinel},
	{regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), Sentinel},
	{regexp.MustCompile(`ya29\.[A-Za-z0-9._-]{10,}`), Sentinel},
	{regexp.MustCompile(`(?i)(Bearer\s+)(\S+)`), "${1}" + Sentinel},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)\s*[:=]\s*)(\S+)`), "${1}" + Sentinel},
}

// Redact masks all recognized secret shapes in text. Pure and idempotent:
// redacting already-redacted text returns it unchanged.
func Redact(text string) string {
	for _, r := range rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}
