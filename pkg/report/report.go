// Package report holds the per-message outcomes of one migration pass and
// the sinks that persist them for auditing.
package report

import (
	"encoding/json"
	"time"
)

type Outcome string

const (
	Moved        Outcome = "moved"
	ParseFailed  Outcome = "parse-failed"
	FolderFailed Outcome = "folder-failed"
	CopyFailed   Outcome = "copy-failed"
	DeleteFailed Outcome = "delete-failed"
)

// Outcomes lists every outcome in a stable order.
var Outcomes = []Outcome{Moved, ParseFailed, FolderFailed, CopyFailed, DeleteFailed}

// MessageResult is what happened to a single source message.
type MessageResult struct {
	UID     uint32
	Folder  string
	Outcome Outcome
	Err     error
}

func (r MessageResult) MarshalJSON() ([]byte, error) {
	out := struct {
		UID     uint32  `json:"uid"`
		Folder  string  `json:"folder,omitempty"`
		Outcome Outcome `json:"outcome"`
		Error   string  `json:"error,omitempty"`
	}{
		UID:     r.UID,
		Folder:  r.Folder,
		Outcome: r.Outcome,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Batch aggregates the results of migrating one source folder.
type Batch struct {
	Account  string          `json:"account"`
	Source   string          `json:"source"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
	Results  []MessageResult `json:"results"`
	// Touched lists, in first-seen order, the folders that received at
	// least one moved message.
	Touched []string `json:"touched"`

	touched map[string]struct{}
}

func NewBatch(account, source string) *Batch {
	return &Batch{
		Account: account,
		Source:  source,
		Started: time.Now(),
		Results: []MessageResult{},
		Touched: []string{},
		touched: map[string]struct{}{},
	}
}

// Add records r and, for a moved message, touches its folder.
func (b *Batch) Add(r MessageResult) {
	b.Results = append(b.Results, r)
	if r.Outcome == Moved {
		b.Touch(r.Folder)
	}
}

func (b *Batch) Touch(folder string) {
	if b.touched == nil {
		b.touched = map[string]struct{}{}
		for _, f := range b.Touched {
			b.touched[f] = struct{}{}
		}
	}
	if _, ok := b.touched[folder]; ok {
		return
	}
	b.touched[folder] = struct{}{}
	b.Touched = append(b.Touched, folder)
}

func (b *Batch) Finish() {
	b.Finished = time.Now()
}

// Count returns the number of results with outcome o.
func (b *Batch) Count(o Outcome) int {
	n := 0
	for _, r := range b.Results {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// Failed is the number of results that did not end in a move.
func (b *Batch) Failed() int {
	return len(b.Results) - b.Count(Moved)
}

// Summary maps every outcome to its count, zeros included.
func (b *Batch) Summary() map[Outcome]int {
	out := make(map[Outcome]int, len(Outcomes))
	for _, o := range Outcomes {
		out[o] = 0
	}
	for _, r := range b.Results {
		out[r.Outcome]++
	}
	return out
}

func (b *Batch) MarshalJSON() ([]byte, error) {
	type plain Batch
	return json.Marshal(struct {
		*plain
		Summary map[Outcome]int `json:"summary"`
	}{
		plain:   (*plain)(b),
		Summary: b.Summary(),
	})
}
