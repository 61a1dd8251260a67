// Package sanitize screens inbound user text before it reaches the model:
// length capping, control character stripping, and prompt-injection pattern
// detection.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
)

// DefaultMaxLength caps input size before the model sees it.
const DefaultMaxLength = 100000

const filteredMarker = "[FILTERED]"

// injectionPatterns are scanned case-insensitively against every input.
// The names are stable identifiers reported in the result.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ignore_previous_instructions", regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`)},
	{"disregard_prior_instructions", regexp.MustCompile(`(?i)disregard\s+(all\s+)?(prior|previous)\s+(instructions|prompts)`)},
	{"forget_instructions", regexp.MustCompile(`(?i)forget\s+(all\s+)?(your|previous)\s+instructions`)},
	{"system_prompt_override", regexp.MustCompile(`(?i)^\s*system\s*:`)},
	{"inst_tag", regexp.MustCompile(`(?i)\[/?INST\]`)},
	{"im_start_tag", regexp.MustCompile(`<\|im_(start|end)\|>`)},
	{"role_reassignment", regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+`)},
	{"reveal_system_prompt", regexp.MustCompile(`(?i)(reveal|print|repeat|show)\s+(your\s+)?(system\s+prompt|initial\s+instructions)`)},
	{"jailbreak_mode", regexp.MustCompile(`(?i)\b(DAN|jailbreak)\s+mode\b`)},
}

// Options controls sanitization behavior.
type Options struct {
	// MaxLength truncates longer inputs. Zero means DefaultMaxLength.
	MaxLength int

	// StripInjectionPatterns replaces detected patterns with a marker.
	// Detection is reported either way.
	StripInjectionPatterns bool
}

// DefaultOptions matches the runtime's inbound defaults.
func DefaultOptions() Options {
	return Options{MaxLength: DefaultMaxLength, StripInjectionPatterns: true}
}

// Result describes what sanitization did to an input.
type Result struct {
	Sanitized         string   `json:"sanitized"`
	InjectionDetected bool     `json:"injectionDetected"`
	DetectedPatterns  []string `json:"detectedPatterns,omitempty"`
	WasTruncated      bool     `json:"wasTruncated"`
}

// Sanitize cleans one input. Empty input after trimming is a validation
// error; everything else succeeds and reports what was found.
func Sanitize(input string, opts Options) (*Result, error) {
	maxLen := opts.MaxLength
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}

	out := strings.ReplaceAll(input, "\x00", "")

	res := &Result{}
	if len(out) > maxLen {
		// Back up to a rune boundary so the cut never splits a
		// multi-byte character.
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
		res.WasTruncated = true
	}

	for _, p := range injectionPatterns {
		if !p.re.MatchString(out) {
			continue
		}
		res.InjectionDetected = true
		res.DetectedPatterns = append(res.DetectedPatterns, p.name)
		if opts.StripInjectionPatterns {
			out = p.re.ReplaceAllString(out, filteredMarker)
		}
	}

	if strings.TrimSpace(out) == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "message content is empty")
	}
	res.Sanitized = out
	return res, nil
}
