package vfs

import (
	"encoding/json"
	"regexp"

	"github.com/cloudpaste/cloudpaste/internal/database"
	"github.com/cloudpaste/cloudpaste/internal/driver"
	"github.com/cloudpaste/cloudpaste/internal/pathutil"
)

// overlay applies fs_meta presentation to a listing: header and footer
// markdown plus hide patterns, each inherited from the nearest ancestor
// that provides it (subject to the inherit flags).
func (f *FS) overlay(p string, listing *driver.Listing) (*ListResult, error) {
	out := &ListResult{Listing: *listing}
	if f.meta == nil {
		return out, nil
	}

	chain := append([]string{pathutil.Normalize(p)}, pathutil.Ancestors(p)...)
	metas, err := f.meta.GetChain(chain)
	if err != nil {
		f.logger.Warn("failed to load fs_meta overlay", "path", p, "err", err)
		return out, nil
	}
	byPath := make(map[string]*database.FsMeta, len(metas))
	for _, m := range metas {
		byPath[pathutil.Normalize(m.Path)] = m
	}

	for i, path := range chain {
		m, ok := byPath[path]
		if !ok {
			continue
		}
		inherited := i > 0
		if out.Header == "" && m.HeaderMarkdown != nil && (!inherited || m.InheritHeader) {
			out.Header = *m.HeaderMarkdown
		}
		if out.Footer == "" && m.FooterMarkdown != nil && (!inherited || m.InheritFooter) {
			out.Footer = *m.FooterMarkdown
		}
	}

	if patterns := f.nearestHidePatterns(chain, byPath); len(patterns) > 0 {
		out.Items = filterHidden(out.Items, patterns)
	}
	return out, nil
}

// nearestHidePatterns returns the compiled hide regexes of the nearest
// chain entry that defines any; farther ancestors are ignored entirely.
func (f *FS) nearestHidePatterns(chain []string, byPath map[string]*database.FsMeta) []*regexp.Regexp {
	for i, path := range chain {
		m, ok := byPath[path]
		if !ok || m.HidePatterns == nil {
			continue
		}
		if i > 0 && !m.InheritHide {
			continue
		}

		var raw []string
		if err := json.Unmarshal([]byte(*m.HidePatterns), &raw); err != nil {
			f.logger.Warn("invalid hide_patterns", "path", path, "err", err)
			return nil
		}
		var compiled []*regexp.Regexp
		for _, expr := range raw {
			re, err := regexp.Compile(expr)
			if err != nil {
				f.logger.Warn("invalid hide pattern", "path", path, "pattern", expr, "err", err)
				continue
			}
			compiled = append(compiled, re)
		}
		return compiled
	}
	return nil
}

func filterHidden(items []driver.FileInfo, patterns []*regexp.Regexp) []driver.FileInfo {
	kept := items[:0]
	for _, item := range items {
		hidden := false
		for _, re := range patterns {
			if re.MatchString(item.Name) {
				hidden = true
				break
			}
		}
		if !hidden {
			kept = append(kept, item)
		}
	}
	return kept
}
