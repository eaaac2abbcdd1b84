package placeholder

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

var (
	tagPartRe  = regexp.MustCompile(`\$\{tag\[(-?\d+)\]\}`)
	variableRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)\}`)
	timeRe     = regexp.MustCompile(`%[A-Za-z]`)
)

// ErrUnresolved means a template still holds ${...} after substitution.
var ErrUnresolved = errors.New("unresolved placeholder")

// Meta carries the per-chunk values a template may refer to.
type Meta struct {
	Tag string
	// Timekey is the start of the chunk's time bucket. Zero means the chunk
	// is not partitioned by time.
	Timekey   time.Time
	Variables map[string]string
}

// HasPlaceholders reports whether tmpl needs per-chunk resolution.
func HasPlaceholders(tmpl string) bool {
	return strings.Contains(tmpl, "${") || timeRe.MatchString(tmpl)
}

// Check verifies every placeholder in tmpl refers to a configured chunk key.
func Check(tmpl string, chunkKeys []string) error {
	if timeRe.MatchString(tmpl) && !slices.Contains(chunkKeys, "time") {
		return fmt.Errorf("table %q uses time placeholders but chunk_keys has no \"time\"", tmpl)
	}
	if tagPartRe.MatchString(tmpl) && !slices.Contains(chunkKeys, "tag") {
		return fmt.Errorf("table %q uses ${tag[N]} but chunk_keys has no \"tag\"", tmpl)
	}
	for _, m := range variableRe.FindAllStringSubmatch(tmpl, -1) {
		if !slices.Contains(chunkKeys, m[1]) {
			return fmt.Errorf("table %q uses ${%s} but chunk_keys has no %q", tmpl, m[1], m[1])
		}
	}
	return nil
}

// Resolve substitutes time, tag and variable placeholders in tmpl.
func Resolve(tmpl string, meta Meta) (string, error) {
	if !HasPlaceholders(tmpl) {
		return tmpl, nil
	}
	out := tmpl
	if !meta.Timekey.IsZero() && timeRe.MatchString(out) {
		out = strftime.Format(out, meta.Timekey)
	}

	var partErr error
	parts := strings.Split(meta.Tag, ".")
	out = tagPartRe.ReplaceAllStringFunc(out, func(s string) string {
		idx, _ := strconv.Atoi(tagPartRe.FindStringSubmatch(s)[1])
		if idx < 0 {
			idx += len(parts)
		}
		if idx < 0 || idx >= len(parts) {
			partErr = fmt.Errorf("%s: tag %q has no part %s", s, meta.Tag, tagPartRe.FindStringSubmatch(s)[1])
			return s
		}
		return parts[idx]
	})
	if partErr != nil {
		return "", partErr
	}

	out = variableRe.ReplaceAllStringFunc(out, func(s string) string {
		name := variableRe.FindStringSubmatch(s)[1]
		if name == "tag" && meta.Tag != "" {
			return meta.Tag
		}
		if v, ok := meta.Variables[name]; ok {
			return v
		}
		return s
	})

	if strings.Contains(out, "${") {
		return "", fmt.Errorf("%w in %q", ErrUnresolved, out)
	}
	return out, nil
}
