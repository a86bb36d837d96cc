// Package ot implements Operational Transformation for real-time collaborative editing.
//
// The package is pure: Apply, Transform and Compose are functions of their
// arguments only, which lets any goroutine call them without synchronization.
// All positions and lengths are measured in Unicode code points so that two
// replicas agree on indices regardless of how their runtimes encode strings.
package ot

import (
	"errors"
	"fmt"
)

// Kind identifies the operation variant.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
	Retain Kind = "retain"
)

// Operation represents a single edit operation.
type Operation struct {
	Kind        Kind   `json:"kind"`
	Position    int    `json:"position"`
	Text        string `json:"text,omitempty"`   // insert only
	Length      int    `json:"length,omitempty"` // delete/retain only
	BaseVersion int    `json:"baseVersion"`
	ClientID    string `json:"clientId"`
	AuthorID    string `json:"authorId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// Version is assigned by the document engine when the operation is
	// accepted. Zero until then.
	Version int `json:"version,omitempty"`
}

// ErrOutOfRange is returned by Apply when an operation's position or range
// falls outside the content. Out-of-range operations are rejected, never
// clamped.
var ErrOutOfRange = errors.New("operation out of range")

// ErrBadOperation is returned by Validate for malformed operations.
var ErrBadOperation = errors.New("malformed operation")

// Span returns the number of code points the operation covers: the text
// length for inserts, Length for deletes and retains.
func (op Operation) Span() int {
	if op.Kind == Insert {
		return len([]rune(op.Text))
	}
	return op.Length
}

// end returns the exclusive end of a delete/retain range.
func (op Operation) end() int {
	return op.Position + op.Length
}

// Validate checks kind-specific field constraints. It is meant to run at the
// protocol boundary so the transform path can assume well-formed input.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrBadOperation, op.Position)
	}
	switch op.Kind {
	case Insert:
		if op.Length != 0 {
			return fmt.Errorf("%w: insert carries a length", ErrBadOperation)
		}
	case Delete, Retain:
		if op.Length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrBadOperation, op.Length)
		}
		if op.Text != "" {
			return fmt.Errorf("%w: %s carries text", ErrBadOperation, op.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadOperation, op.Kind)
	}
	return nil
}

// Apply returns the content that results from applying op. Retain is the
// identity. The operation must lie entirely inside the pre-apply content.
func Apply(content string, op Operation) (string, error) {
	runes := []rune(content)
	if op.Position < 0 || op.Position > len(runes) {
		return "", fmt.Errorf("%s at %d on content of %d code points: %w",
			op.Kind, op.Position, len(runes), ErrOutOfRange)
	}
	switch op.Kind {
	case Insert:
		out := make([]rune, 0, len(runes)+len([]rune(op.Text)))
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil

	case Delete:
		if op.end() > len(runes) {
			return "", fmt.Errorf("delete [%d,%d) on content of %d code points: %w",
				op.Position, op.end(), len(runes), ErrOutOfRange)
		}
		out := make([]rune, 0, len(runes)-op.Length)
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[op.end():]...)
		return string(out), nil

	case Retain:
		if op.end() > len(runes) {
			return "", fmt.Errorf("retain [%d,%d) on content of %d code points: %w",
				op.Position, op.end(), len(runes), ErrOutOfRange)
		}
		return content, nil
	}
	return "", fmt.Errorf("apply: unknown kind %q: %w", op.Kind, ErrBadOperation)
}

// Transform is the inclusion transformation: given two operations a and b
// defined against the same document state, it returns (a', b') such that
// applying a then b' yields the same content as applying b then a'.
//
// The function is deterministic. Concurrent inserts at the same position are
// ordered by lexicographic ClientID comparison, never by wall-clock time, so
// every replica breaks the tie the same way.
func Transform(a, b Operation) (Operation, Operation) {
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		return transformInsertInsert(a, b)
	case a.Kind == Insert && b.Kind == Delete:
		return transformInsertDelete(a, b)
	case a.Kind == Delete && b.Kind == Insert:
		bp, ap := transformInsertDelete(b, a)
		return ap, bp
	case a.Kind == Delete && b.Kind == Delete:
		return transformDeleteDelete(a, b)
	case a.Kind == Retain && b.Kind == Retain:
		return a, b
	case a.Kind == Retain:
		// Retain removes nothing, so b passes through untouched while the
		// retained range is shifted as if it were a zero-net edit.
		return shiftRange(a, b), b
	default: // b.Kind == Retain
		return a, shiftRange(b, a)
	}
}

func transformInsertInsert(a, b Operation) (Operation, Operation) {
	ap, bp := a, b
	switch {
	case a.Position < b.Position:
		bp.Position += a.Span()
	case a.Position > b.Position:
		ap.Position += b.Span()
	default:
		// Same position: the lexicographically smaller ClientID wins the
		// earlier slot. The two inserted strings never interleave.
		if a.ClientID < b.ClientID {
			bp.Position += a.Span()
		} else {
			ap.Position += b.Span()
		}
	}
	return ap, bp
}

// transformInsertDelete transforms an insert against a concurrent delete.
// An insert that falls strictly inside the deleted range is absorbed: the
// delete grows to cover the inserted text and the insert collapses to an
// empty one, so both replicas end up without the inserted characters.
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	insP, delP := ins, del
	switch {
	case ins.Position <= del.Position:
		delP.Position += ins.Span()
	case ins.Position >= del.end():
		insP.Position -= del.Length
	default:
		delP.Length += ins.Span()
		insP.Position = del.Position
		insP.Text = ""
	}
	return insP, delP
}

func transformDeleteDelete(a, b Operation) (Operation, Operation) {
	ap, bp := a, b
	switch {
	case a.end() <= b.Position:
		bp.Position -= a.Length
	case b.end() <= a.Position:
		ap.Position -= b.Length
	default:
		// Overlapping ranges: the shared overlap is collapsed from both
		// sides so replaying both deletes removes only the union.
		overlap := minInt(a.end(), b.end()) - maxInt(a.Position, b.Position)
		start := minInt(a.Position, b.Position)
		ap.Position = start
		ap.Length = a.Length - overlap
		bp.Position = start
		bp.Length = b.Length - overlap
	}
	return ap, bp
}

// shiftRange adjusts a retain's range against a concurrent edit, treating the
// retain as a zero-net-character edit at its position.
func shiftRange(ret, other Operation) Operation {
	out := ret
	switch other.Kind {
	case Insert:
		switch {
		case other.Position <= ret.Position:
			out.Position += other.Span()
		case other.Position < ret.end():
			out.Length += other.Span()
		}
	case Delete:
		switch {
		case other.end() <= ret.Position:
			out.Position -= other.Length
		case other.Position >= ret.end():
			// Disjoint, nothing to do.
		default:
			overlap := minInt(ret.end(), other.end()) - maxInt(ret.Position, other.Position)
			out.Position = minInt(ret.Position, other.Position)
			out.Length = ret.Length - overlap
		}
	}
	return out
}

// Compose produces a sequence equivalent to applying a then b. Adjacent
// compatible pairs collapse into a single operation; anything else is
// returned as the ordered pair. Used for log compaction, not the hot path.
func Compose(a, b Operation) []Operation {
	if a.Kind == Retain || a.Span() == 0 {
		return []Operation{b}
	}
	if b.Kind == Retain || b.Span() == 0 {
		return []Operation{a}
	}
	if a.Kind == Insert && b.Kind == Insert {
		// b splices into a's inserted run.
		if b.Position >= a.Position && b.Position <= a.Position+a.Span() {
			at := b.Position - a.Position
			text := []rune(a.Text)
			out := a
			out.Text = string(text[:at]) + b.Text + string(text[at:])
			return []Operation{out}
		}
	}
	if a.Kind == Delete && b.Kind == Delete {
		// b's range touches where a already deleted.
		if b.Position <= a.Position && b.end() >= a.Position {
			out := b
			out.Length = a.Length + b.Length
			return []Operation{out}
		}
	}
	if a.Kind == Insert && b.Kind == Delete {
		// b removes a slice of what a just inserted.
		if b.Position >= a.Position && b.end() <= a.Position+a.Span() {
			text := []rune(a.Text)
			at := b.Position - a.Position
			out := a
			out.Text = string(text[:at]) + string(text[at+b.Length:])
			return []Operation{out}
		}
	}
	return []Operation{a, b}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
