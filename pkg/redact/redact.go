// Package redact scrubs secrets from worker output and error text before it
// is logged or forwarded downstream.
package redact

import (
	"math"
	"regexp"
	"strings"
)

// Mode represents the redaction mode.
type Mode string

const (
	// ModeOff disables redaction.
	ModeOff Mode = "off"
	// ModeBasic redacts key/value assignments, auth headers, URL credentials
	// and well-known token prefixes.
	ModeBasic Mode = "basic"
	// ModeAggressive adds high-entropy token detection on top of basic.
	ModeAggressive Mode = "aggressive"

	defaultReplacement     = "***REDACTED***"
	minEntropyCandidateLen = 20
)

// Config holds configuration for a Redactor.
type Config struct {
	Mode Mode `yaml:"mode" toml:"mode"`
	// CustomKeys are extra key names whose assigned values are redacted.
	CustomKeys  []string `yaml:"custom_keys" toml:"custom_keys"`
	Replacement string   `yaml:"replacement" toml:"replacement"`
}

var (
	envAssignRe = regexp.MustCompile(`(?i)\b(\w*(?:TOKEN|SECRET|PASSWORD|API_?KEY|AUTHORIZATION|CREDENTIALS?))(["']?\s*[=:]\s*)["']?[^"'\s,}&]+["']?`)
	headerRe    = regexp.MustCompile(`(?i)\b(Authorization|Proxy-Authorization|X-Api-Key|X-Auth-Token|Cookie)(\s*:\s*)[^\n\r"]+`)
	queryRe     = regexp.MustCompile(`(?i)([?&](?:token|key|secret|password|api_key|access_token|refresh_token|auth_token|apikey)=)[^&\s#'"]+`)
	urlUserRe   = regexp.MustCompile(`(\b[a-z][a-z0-9+.-]*://[^/\s:@]+:)[^@\s/]+@`)
	pemRe       = regexp.MustCompile(`-----BEGIN [A-Za-z0-9 ]+-----[\s\S]*?-----END [A-Za-z0-9 ]+-----`)
	prefixRes   = []*regexp.Regexp{
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9_]{32,36}\b`),
		regexp.MustCompile(`\bsk-(?:ant-)?[A-Za-z0-9_\-]{26,}\b`),
		regexp.MustCompile(`\bsk_(?:live|test)_[A-Za-z0-9_]{32,40}\b`),
		regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
		regexp.MustCompile(`\bxox[bp]-[A-Za-z0-9\-]{26,46}\b`),
		regexp.MustCompile(`\bhf_[A-Za-z0-9_]{26,46}\b`),
		regexp.MustCompile(`\bya29\.[A-Za-z0-9_\-]{46,196}\b`),
	}
	candidateRe = regexp.MustCompile(`\b[A-Za-z0-9_\-\.+/=]{20,}\b`)
)

// Redactor scrubs secrets from text.
type Redactor struct {
	mode        Mode
	customRes   []*regexp.Regexp
	replacement string
}

// New creates a Redactor. An empty mode means basic.
func New(cfg Config) *Redactor {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeBasic
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = defaultReplacement
	}

	r := &Redactor{mode: mode, replacement: replacement}
	for _, key := range cfg.CustomKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r.customRes = append(r.customRes,
			regexp.MustCompile(`\b(`+regexp.QuoteMeta(key)+`)(["']?\s*[=:]\s*)["']?[^"'\s,}&]+["']?`))
	}
	return r
}

// Mode returns the effective mode.
func (r *Redactor) Mode() Mode { return r.mode }

// String returns s with secrets replaced.
func (r *Redactor) String(s string) string {
	if r == nil || r.mode == ModeOff || s == "" {
		return s
	}

	s = pemRe.ReplaceAllString(s, "-----BEGIN REDACTED-----"+r.replacement+"-----END REDACTED-----")
	s = envAssignRe.ReplaceAllString(s, "${1}${2}"+r.replacement)
	for _, re := range r.customRes {
		s = re.ReplaceAllString(s, "${1}${2}"+r.replacement)
	}
	s = headerRe.ReplaceAllString(s, "${1}${2}"+r.replacement)
	s = queryRe.ReplaceAllString(s, "${1}"+r.replacement)
	s = urlUserRe.ReplaceAllString(s, "${1}"+r.replacement+"@")
	for _, re := range prefixRes {
		s = re.ReplaceAllString(s, r.replacement)
	}

	if r.mode == ModeAggressive {
		s = candidateRe.ReplaceAllStringFunc(s, func(m string) string {
			if isLikelyFalsePositive(m) || !isHighEntropy(m) {
				return m
			}
			return r.replacement
		})
	}
	return s
}

// isHighEntropy reports whether s has Shannon entropy above 4 bits/char.
func isHighEntropy(s string) bool {
	if len(s) < minEntropyCandidateLen {
		return false
	}
	freq := make(map[rune]float64)
	for _, ch := range s {
		freq[ch]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, count := range freq {
		p := count / n
		entropy -= p * math.Log2(p)
	}
	return entropy > 4.0
}

func isLikelyFalsePositive(s string) bool {
	if strings.Contains(s, "/") || strings.Contains(s, "\\") {
		return true
	}
	// Identifiers made only of lowercase words and separators.
	if strings.ToLower(s) == s && strings.Count(s, "-")+strings.Count(s, "_") >= 2 {
		return true
	}
	return false
}
