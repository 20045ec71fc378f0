package objstore

import "github.com/bmatcuk/doublestar/v4"

// KeyFilter applies include/exclude globs to object keys. A key passes when
// it matches at least one include (if any are set) and none of the excludes.
type KeyFilter struct {
	Include []string
	Exclude []string
}

func (f KeyFilter) Empty() bool { return len(f.Include) == 0 && len(f.Exclude) == 0 }

func (f KeyFilter) Match(key string) bool {
	if len(f.Include) > 0 {
		ok := false
		for _, pat := range f.Include {
			if matched, err := doublestar.Match(pat, key); err == nil && matched {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, pat := range f.Exclude {
		if matched, err := doublestar.Match(pat, key); err == nil && matched {
			return false
		}
	}
	return true
}
