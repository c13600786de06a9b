package apperr

import (
	"fmt"
	"math"
	"strings"
)

// FallbackMessage is shown for any failure without a more specific translation.
const FallbackMessage = "I couldn't complete that just now. Please try again."

// Translation is the user-facing rendering of an error.
type Translation struct {
	Kind        Kind   `json:"kind"`
	UserMessage string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

type translationRule struct {
	message     string
	recoverable bool
}

var rules = map[Kind]translationRule{
	KindValidation:     {"Some of the details in that request weren't valid.", true},
	KindPermission:     {"You don't have permission to do that.", false},
	KindNotFound:       {"I couldn't find a matching record.", true},
	KindAmbiguous:      {"I found more than one match. Which one did you mean?", true},
	KindTransient:      {"The project data service is busy right now. Please try again in a moment.", true},
	KindUpstream:       {"The assistant is temporarily unavailable. Please try again shortly.", true},
	KindRateLimited:    {"You're sending requests too quickly. Please wait a moment and try again.", true},
	KindUnsupported:    {"That operation isn't supported.", false},
	KindIterationLimit: {"I couldn't complete that request. Try asking for one thing at a time.", false},
	KindConflict:       {"That record changed while I was working on it. Please review it and try again.", true},
	KindInternal:       {FallbackMessage, true},
}

// Translate maps err to a short message suitable for end users. Technical
// detail never leaks into the result.
func Translate(err error) Translation {
	if err == nil {
		return Translation{}
	}

	kind := KindOf(err)
	rule, ok := rules[kind]
	if !ok {
		return Translation{Kind: KindInternal, UserMessage: FallbackMessage, Recoverable: true}
	}
	t := Translation{Kind: kind, UserMessage: rule.message, Recoverable: rule.recoverable}

	e, structured := As(err)
	if !structured {
		return t
	}
	if e.Message != "" && kind != KindInternal {
		t.UserMessage = e.Message
	}
	switch kind {
	case KindRateLimited:
		if e.RetryAfter > 0 {
			secs := int(math.Ceil(e.RetryAfter.Seconds()))
			t.UserMessage = fmt.Sprintf("You're sending requests too quickly. Please wait %d seconds and try again.", secs)
		}
	case KindAmbiguous:
		if len(e.Candidates) > 0 {
			names := make([]string, 0, len(e.Candidates))
			for _, c := range e.Candidates {
				names = append(names, c.DisplayName)
			}
			t.UserMessage = fmt.Sprintf("%s Options: %s.", strings.TrimSpace(t.UserMessage), strings.Join(names, "; "))
		}
	case KindNotFound:
		if len(e.Suggestions) > 0 {
			t.UserMessage = fmt.Sprintf("%s Did you mean: %s?", strings.TrimSpace(t.UserMessage), strings.Join(e.Suggestions, ", "))
		}
	}
	return t
}

// Diagnostic returns the technical description of err for logs and the
// non-production diagnostics field.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
