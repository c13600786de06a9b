// Package resolver turns user-supplied references ("R-007", "Phase 1 Review",
// a record UUID) into exactly one record, or explains why it cannot.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"

	"github.com/haasonsaas/pmassist/internal/apperr"
	"github.com/haasonsaas/pmassist/internal/datastore"
	"github.com/haasonsaas/pmassist/internal/retry"
	"github.com/haasonsaas/pmassist/internal/scope"
	"github.com/haasonsaas/pmassist/pkg/models"
)

const (
	maxSuggestions  = 3
	searchLimit     = 50
	suggestionLimit = 200
)

// Resolver looks up records within the caller's permitted scope.
type Resolver struct {
	store    datastore.Store
	enforcer *scope.Enforcer
	retry    retry.Config
	logger   *slog.Logger
}

// New creates a resolver. Reads go through retry with the given config.
func New(store datastore.Store, enforcer *scope.Enforcer, retryCfg retry.Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, enforcer: enforcer, retry: retryCfg, logger: logger.With("component", "resolver")}
}

// Resolve maps identifier to a single record of kind. On ambiguity it returns
// the candidates alongside a KindAmbiguous error and never picks one itself.
func (r *Resolver) Resolve(ctx context.Context, identifier string, kind models.EntityKind, session models.SessionContext) (models.ResolvedEntity, error) {
	identifier = strings.TrimSpace(identifier)
	result := models.ResolvedEntity{Kind: kind}
	if identifier == "" {
		return result, apperr.New(apperr.KindValidation, fmt.Sprintf("Please say which %s you mean.", kind))
	}

	base, err := r.enforcer.Narrow(session, kind, datastore.Filter{})
	if err != nil {
		return result, err
	}

	if _, perr := uuid.Parse(identifier); perr == nil {
		f := base
		f.IDs = []string{identifier}
		matches, err := r.find(ctx, f)
		if err != nil {
			return result, err
		}
		return r.decide(ctx, identifier, base, matches, search{})
	}

	if prefix, _, ok := models.ParseRefCode(identifier); ok {
		if prefixKind, _, known := models.KindForPrefix(prefix); known && prefixKind == kind {
			f := base
			f.RefCode = identifier
			matches, err := r.find(ctx, f)
			if err != nil {
				return result, err
			}
			if len(matches) > 0 {
				return r.decide(ctx, identifier, base, matches, search{})
			}
			r.logger.Debug("ref code lookup empty, falling back to title search",
				"identifier", identifier, "kind", kind)
		}
	}

	// One row past the limit tells a full page from a truncated one.
	f := base
	f.TitleContains = identifier
	f.Limit = searchLimit + 1
	matches, err := r.find(ctx, f)
	if err != nil {
		return result, err
	}
	sr := search{bySubstring: true}
	if len(matches) > searchLimit {
		matches, sr.truncated = matches[:searchLimit], true
	}
	return r.decide(ctx, identifier, base, matches, sr)
}

// search describes how a candidate list was produced.
type search struct {
	bySubstring bool
	// truncated means more records matched than were returned.
	truncated bool
}

func (r *Resolver) decide(ctx context.Context, identifier string, base datastore.Filter, matches []models.Record, sr search) (models.ResolvedEntity, error) {
	result := models.ResolvedEntity{Kind: base.Kind, AmbiguityCount: len(matches), Truncated: sr.truncated}

	switch {
	case len(matches) == 1:
		return selected(base.Kind, matches[0]), nil

	case len(matches) == 0:
		notFound := apperr.Newf(apperr.KindNotFound, "I couldn't find a %s matching %q.", base.Kind, identifier)
		notFound.Op = "resolver.resolve"
		notFound.Suggestions = r.suggest(ctx, identifier, base)
		return result, notFound
	}

	if sr.bySubstring {
		exact, err := r.exactTitle(ctx, identifier, base, matches, sr.truncated)
		if err != nil {
			return result, err
		}
		if len(exact) == 1 {
			return selected(base.Kind, exact[0]), nil
		}
	}

	result.Candidates = make([]models.Candidate, 0, len(matches))
	for _, m := range matches {
		result.Candidates = append(result.Candidates, models.Candidate{
			ID:          m.ID,
			DisplayName: m.DisplayName(),
			Status:      m.Status,
		})
	}
	ambiguous := apperr.Newf(apperr.KindAmbiguous, "I found %d %s records matching %q. Which one did you mean?",
		len(matches), base.Kind, identifier)
	if sr.truncated {
		ambiguous = apperr.Newf(apperr.KindAmbiguous,
			"More than %d %s records match %q. Here are the first %d; please be more specific.",
			searchLimit, base.Kind, identifier, len(matches))
	}
	ambiguous.Op = "resolver.resolve"
	ambiguous.Candidates = result.Candidates
	return result, ambiguous
}

// exactTitle returns the records whose trimmed title equals identifier,
// ignoring case. A truncated candidate list may not hold them all, so the
// store is asked directly in that case.
func (r *Resolver) exactTitle(ctx context.Context, identifier string, base datastore.Filter, matches []models.Record, truncated bool) ([]models.Record, error) {
	if truncated {
		f := base
		f.TitleEquals = identifier
		f.Limit = 2
		return r.find(ctx, f)
	}
	var exact []models.Record
	want := strings.ToLower(identifier)
	for _, m := range matches {
		if strings.ToLower(strings.TrimSpace(m.Title)) == want {
			exact = append(exact, m)
		}
	}
	return exact, nil
}

func selected(kind models.EntityKind, rec models.Record) models.ResolvedEntity {
	return models.ResolvedEntity{
		ID:             rec.ID,
		DisplayName:    rec.DisplayName(),
		Kind:           kind,
		AmbiguityCount: 1,
		Record:         &rec,
	}
}

func (r *Resolver) find(ctx context.Context, f datastore.Filter) ([]models.Record, error) {
	records, res := retry.DoWithValue(ctx, r.retry, func(ctx context.Context) ([]models.Record, error) {
		return r.store.Find(ctx, f)
	})
	if res.Err != nil {
		r.logger.Warn("record lookup failed", "kind", f.Kind, "attempts", res.Attempts, "error", res.Err)
		if _, ok := apperr.As(res.Err); ok {
			return nil, res.Err
		}
		return nil, apperr.Wrap(apperr.KindOf(res.Err), res.Err, "").WithOp("resolver.find")
	}
	return records, nil
}

// suggest returns up to three near-miss titles. Failures only cost the
// suggestions, never the not-found answer.
func (r *Resolver) suggest(ctx context.Context, identifier string, base datastore.Filter) []string {
	f := base
	f.Limit = suggestionLimit
	records, err := r.store.Find(ctx, f)
	if err != nil || len(records) == 0 {
		return nil
	}
	titles := make([]string, len(records))
	for i, rec := range records {
		titles[i] = rec.Title
	}

	matches := fuzzy.Find(identifier, titles)
	if len(matches) == 0 {
		if word := longestWord(identifier); word != "" && word != identifier {
			matches = fuzzy.Find(word, titles)
		}
	}

	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		if seen[m.Str] {
			continue
		}
		seen[m.Str] = true
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

func longestWord(s string) string {
	var best string
	for _, w := range strings.Fields(s) {
		if len(w) > len(best) {
			best = w
		}
	}
	return best
}
