package handle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxLength bounds a derived handle.
const MaxLength = 50

// DefaultCandidates is the number of handles probed: the base plus 19 suffixes.
const DefaultCandidates = 20

var (
	ErrExhausted   = errors.New("handle allocation exhausted")
	ErrInvalidName = errors.New("name does not yield a handle")
	// ErrFree is returned by a Lookup when no record holds the handle.
	ErrFree = errors.New("handle free")
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Derive turns a display name into a URL-safe slug. ok is false when nothing usable remains.
// Hyphens are trimmed before truncation, so a cut at a separator keeps the trailing hyphen.
func Derive(name string) (string, bool) {
	h := nonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	h = strings.Trim(h, "-")
	if len(h) > MaxLength {
		h = h[:MaxLength]
	}
	return h, h != ""
}

// Lookup resolves the id of the record holding a handle. It returns an error satisfying
// errors.Is(err, NotFound) when the handle is free.
type Lookup interface {
	ApplicationIDByHandle(ctx context.Context, handle string) (string, error)
}

// Allocator probes base, base-1, base-2 ... until a free handle (or one owned by selfID) is found.
type Allocator struct {
	Lookup        Lookup
	NotFound      error
	MaxCandidates int
}

func (a Allocator) Allocate(ctx context.Context, base, selfID string) (string, error) {
	if base == "" {
		return "", ErrInvalidName
	}
	if a.Lookup == nil {
		return "", errors.New("handle lookup not configured")
	}
	limit := a.MaxCandidates
	if limit <= 0 {
		limit = DefaultCandidates
	}
	notFound := a.NotFound
	if notFound == nil {
		notFound = ErrFree
	}
	for i := 0; i < limit; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		owner, err := a.Lookup.ApplicationIDByHandle(ctx, candidate)
		if errors.Is(err, notFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("lookup handle %s: %w", candidate, err)
		}
		if owner == selfID {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s after %d candidates", ErrExhausted, base, limit)
}
