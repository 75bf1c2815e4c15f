package expression

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/tripscope/pkg/cache"
)

var regexCache = mustRegexCache()

func mustRegexCache() cache.Cache[*regexp.Regexp] {
	c, err := cache.NewLRU[*regexp.Regexp](128)
	if err != nil {
		panic(fmt.Sprintf("regex cache: %v", err))
	}
	return c
}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	return regexCache.GetOrCreate(pattern, func() (*regexp.Regexp, error) {
		if err := validateRegexComplexity(pattern); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
		}
		return re, nil
	})
}

// validateRegexComplexity rejects patterns that are too large to be reasonable
// in a condition. Go's RE2 engine is linear time, so only size is bounded.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}
	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many groups (max 20)")
	}
	return nil
}
