// Package repo turns a repository's recent history into the system prompt the
// agent session starts with.
package repo

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/m4xw311/codexd/errors"
)

// PatternMessageSizeMismatch flags large changes described by very short
// messages.
const PatternMessageSizeMismatch = "message_size_mismatch"

// PatternNone means no commit matched.
const PatternNone = "none"

const (
	// LargeChange is the number of changed lines above which a commit
	// message is expected to say more than a few words.
	LargeChange = 200
	// TerseMessage is the word count at or below which a subject is terse.
	TerseMessage = 3
)

type CommitEvidence struct {
	SHA          string
	Message      string
	LinesChanged int
}

type Analysis struct {
	PatternType string
	Evidence    []CommitEvidence
	Summary     string
	// Severity is the share of analyzed commits that match, from 0 to 1.
	Severity float64
	Commits  int
}

// Analyze walks the last limit commits reachable from HEAD of the work tree
// at path. A repository without commits yields an empty analysis.
func Analyze(path string, limit int) (*Analysis, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, errors.Wrapf(errors.ErrNotFound, "%s is not a git work tree", path)
		}
		return nil, errors.Wrapf(err, "open repository %s", path)
	}

	a := &Analysis{PatternType: PatternNone}
	head, err := r.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			a.Summary = "The repository has no commits yet."
			return a, nil
		}
		return nil, errors.Wrapf(err, "resolve HEAD")
	}

	iter, err := r.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, errors.Wrapf(err, "read log")
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && a.Commits >= limit {
			return storer.ErrStop
		}
		a.Commits++
		stats, err := c.Stats()
		if err != nil {
			return errors.Wrapf(err, "stats for %s", c.Hash)
		}
		lines := 0
		for _, s := range stats {
			lines += s.Addition + s.Deletion
		}
		subject := strings.TrimSpace(strings.SplitN(c.Message, "\n", 2)[0])
		if lines > LargeChange && len(strings.Fields(subject)) <= TerseMessage {
			a.Evidence = append(a.Evidence, CommitEvidence{
				SHA:          c.Hash.String()[:7],
				Message:      subject,
				LinesChanged: lines,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(a.Evidence) == 0 {
		a.Summary = fmt.Sprintf("No notable patterns in the last %d commits.", a.Commits)
		return a, nil
	}
	a.PatternType = PatternMessageSizeMismatch
	a.Severity = float64(len(a.Evidence)) / float64(a.Commits)
	a.Summary = fmt.Sprintf("%d of the last %d commits change more than %d lines with a message of %d words or fewer, e.g. %q.",
		len(a.Evidence), a.Commits, LargeChange, TerseMessage, a.Evidence[0].Message)
	return a, nil
}

// SystemPrompt renders the analysis into the session's system prompt.
func SystemPrompt(a *Analysis) string {
	return fmt.Sprintf("You are a developer psychology analyst. Based on git history analysis:\n\n"+
		"Pattern Detected: %s\n"+
		"Evidence: %d commits\n"+
		"Severity: %.2f\n"+
		"Summary: %s\n\n"+
		"Provide empathetic, constructive psychological insights about the developer's patterns.",
		a.PatternType, len(a.Evidence), a.Severity, a.Summary)
}
