package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor scrubs credentials from log lines
type Redactor struct {
	patterns []rule
}

type rule struct {
	re   *regexp.Regexp
	repl string
}

func mask(pattern string) rule {
	return rule{re: regexp.MustCompile(pattern), repl: redacted}
}

// NewRedactor creates a redactor for the credentials ranyadesk handles
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []rule{
			// Anthropic and OpenAI keys
			mask(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			mask(`sk-[a-zA-Z0-9_-]{20,}`),

			// Databricks personal access tokens
			mask(`dapi[0-9a-f]{32}(-\d+)?`),

			mask(`Bearer\s+[a-zA-Z0-9._-]+`),
			mask(`(?i)X-Ranyadesk-Secret["\s:=]+[^\s",}]+`),

			// JSON fields keep their key so structured logs stay parseable
			{
				re:   regexp.MustCompile(`"(shared_secret|api_key|token|password)"\s*:\s*"[^"]*"`),
				repl: `"$1":"` + redacted + `"`,
			},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, rule{re: re, repl: redacted})
	return nil
}

// Redact replaces every match with a placeholder
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.re.ReplaceAllString(s, p.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it on
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since callers count the bytes they handed in
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
