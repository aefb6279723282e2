package worktree

// DiffStat returns `git diff --stat` of HEAD against base in dir. It
// falls back to the merge-base with main or master when base can't be
// resolved.
func DiffStat(git GitRunner, dir, base string) (string, error) {
	if base != "" {
		out, err := git.Run(dir, "diff", "--stat", base+"...HEAD")
		if err == nil {
			return out, nil
		}
	}
	mb, err := mergeBase(git, dir)
	if err != nil {
		return "", err
	}
	return git.Run(dir, "diff", "--stat", mb+"...HEAD")
}

// mergeBase finds the common ancestor between HEAD and main/master.
func mergeBase(git GitRunner, dir string) (string, error) {
	base, err := git.Run(dir, "merge-base", "main", "HEAD")
	if err != nil {
		base, err = git.Run(dir, "merge-base", "master", "HEAD")
	}
	return base, err
}
