package channel

import (
	"net/url"
	"strings"
)

// sensitiveKeys contains substrings that identify env var names whose values
// should be redacted from logs and error messages.
var sensitiveKeys = []string{
	"TOKEN", "SECRET", "KEY", "PASSWORD", "PASSPHRASE",
	"CREDENTIAL", "AUTH_SOCK",
}

// scrubArgs returns a copy of args with secrets redacted: the value of
// sensitive VAR=VALUE pairs and the password part of URLs. Variable names
// and usernames are kept for debugging.
func scrubArgs(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = Scrub(arg)
	}
	return result
}

// Scrub redacts secrets from a single string: a sensitive VAR=VALUE pair or
// any URL userinfo embedded in it.
func Scrub(s string) string {
	if k, _, ok := strings.Cut(s, "="); ok && !strings.ContainsAny(k, " /:") && isSensitiveKey(k) {
		return k + "=***"
	}
	if !strings.Contains(s, "://") {
		return s
	}
	fields := strings.Fields(s)
	changed := false
	for i, f := range fields {
		if r := scrubURL(f); r != f {
			fields[i] = r
			changed = true
		}
	}
	if !changed {
		return s
	}
	// Multi-line messages lose their line breaks; acceptable for errors.
	return strings.Join(fields, " ")
}

func scrubURL(s string) string {
	i := strings.Index(s, "://")
	if i < 0 {
		return s
	}
	start := strings.LastIndexAny(s[:i], "'\"(<") + 1
	raw := strings.TrimRight(s[start:], "'\")>,.")
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return s
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "***")
	} else {
		u.User = url.User("***")
	}
	return s[:start] + u.String() + s[start+len(raw):]
}

func isSensitiveKey(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}
