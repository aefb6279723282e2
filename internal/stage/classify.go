package stage

import "strings"

// ChangeCategory is the coarse risk class of a change request.
type ChangeCategory string

const (
	CategoryFeature ChangeCategory = "feature"
	CategoryBug     ChangeCategory = "bug"
	CategoryChore   ChangeCategory = "chore"
	CategoryPatch   ChangeCategory = "patch"
	CategoryDocs    ChangeCategory = "docs"
	CategoryUnknown ChangeCategory = "unknown"
)

// LowRisk reports whether changes of this category skip review.
func (c ChangeCategory) LowRisk() bool {
	switch c {
	case CategoryChore, CategoryPatch, CategoryDocs:
		return true
	}
	return false
}

var categoryAliases = map[string]ChangeCategory{
	"feature": CategoryFeature,
	"feat":    CategoryFeature,
	"bug":     CategoryBug,
	"fix":     CategoryBug,
	"bugfix":  CategoryBug,
	"chore":   CategoryChore,
	"patch":   CategoryPatch,
	"hotfix":  CategoryPatch,
	"docs":    CategoryDocs,
	"doc":     CategoryDocs,
}

// ClassifyChange derives a category from an explicit issue class such as
// "/chore" or "bug", falling back to the branch prefix ("chore-...",
// "patch/...").
func ClassifyChange(issueClass, branch string) ChangeCategory {
	class := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(issueClass), "/")))
	if c, ok := categoryAliases[class]; ok {
		return c
	}

	b := strings.ToLower(strings.TrimSpace(branch))
	if b == "" {
		return CategoryUnknown
	}
	head := b
	if i := strings.Index(b, "/"); i >= 0 {
		if c, ok := categoryAliases[b[:i]]; ok {
			return c
		}
		head = b[strings.LastIndex(b, "/")+1:]
	}
	if i := strings.IndexAny(head, "-_"); i > 0 {
		if c, ok := categoryAliases[head[:i]]; ok {
			return c
		}
	}
	return CategoryUnknown
}
