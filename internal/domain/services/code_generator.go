package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"
)

const (
	defaultCodePrefix = "VERIFY"
	maxPrefixLength   = 10
	codeNumberMin     = 10000
	codeNumberMax     = 99999
)

var errOwnerNameEmpty = errors.New("owner has no display name")

// CommunityNamer resolves display names for a community
type CommunityNamer interface {
	OwnerName(ctx context.Context, communityID string) (string, error)
	CommunityName(ctx context.Context, communityID string) (string, error)
}

// CodeGenerator issues PREFIX-NNNNN proof codes. The prefix is derived once
// per community and cached; a default prefix used because both name lookups
// failed is not cached.
type CodeGenerator struct {
	namer    CommunityNamer
	prefixes sync.Map // communityID -> string
	intN     func(n int) int
	log      *slog.Logger
}

// NewCodeGenerator creates a code generator. namer may be nil, in which case
// every community uses the default prefix.
func NewCodeGenerator(namer CommunityNamer, log *slog.Logger) *CodeGenerator {
	return &CodeGenerator{
		namer: namer,
		intN:  rand.IntN,
		log:   log,
	}
}

// Generate returns a fresh code for the community
func (g *CodeGenerator) Generate(ctx context.Context, communityID string) string {
	n := codeNumberMin + g.intN(codeNumberMax-codeNumberMin+1)
	return fmt.Sprintf("%s-%d", g.prefix(ctx, communityID), n)
}

func (g *CodeGenerator) prefix(ctx context.Context, communityID string) string {
	if cached, ok := g.prefixes.Load(communityID); ok {
		return cached.(string)
	}

	prefix, resolved := g.resolvePrefix(ctx, communityID)
	if !resolved {
		return prefix
	}
	actual, _ := g.prefixes.LoadOrStore(communityID, prefix)
	return actual.(string)
}

// resolvePrefix reports false when the prefix is a fallback for failed lookups
func (g *CodeGenerator) resolvePrefix(ctx context.Context, communityID string) (string, bool) {
	if g.namer == nil {
		return defaultCodePrefix, true
	}

	name, err := g.namer.OwnerName(ctx, communityID)
	if err == nil && strings.TrimSpace(name) == "" {
		err = errOwnerNameEmpty
	}
	if err != nil {
		g.log.Debug("owner name lookup failed, trying community name",
			slog.String("community_id", communityID),
			slog.String("error", err.Error()))
		name, err = g.namer.CommunityName(ctx, communityID)
		if err != nil {
			g.log.Warn("community name lookup failed, using default code prefix",
				slog.String("community_id", communityID),
				slog.String("error", err.Error()))
			return defaultCodePrefix, false
		}
	}
	return CodePrefix(name), true
}

// CodePrefix derives a code prefix from a display name: the first word,
// alphanumerics only, upper-cased and truncated
func CodePrefix(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return defaultCodePrefix
	}

	var b strings.Builder
	for _, r := range fields[0] {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
		if b.Len() == maxPrefixLength {
			break
		}
	}

	if b.Len() == 0 {
		return defaultCodePrefix
	}
	return b.String()
}
