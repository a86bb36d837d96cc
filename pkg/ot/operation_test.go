package ot

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertOp(pos int, text, clientID string) Operation {
	return Operation{Kind: Insert, Position: pos, Text: text, ClientID: clientID}
}

func deleteOp(pos, length int, clientID string) Operation {
	return Operation{Kind: Delete, Position: pos, Length: length, ClientID: clientID}
}

func retainOp(pos, length int, clientID string) Operation {
	return Operation{Kind: Retain, Position: pos, Length: length, ClientID: clientID}
}

func TestApplyInsert(t *testing.T) {
	out, err := Apply("hello", insertOp(5, " world", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)

	out, err = Apply("world", insertOp(0, "hello ", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestApplyDelete(t *testing.T) {
	out, err := Apply("hello world", deleteOp(5, 6, "c1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestApplyRetainIsIdentity(t *testing.T) {
	out, err := Apply("hello", retainOp(1, 3, "c1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestApplyRejectsOutOfRange(t *testing.T) {
	cases := []Operation{
		insertOp(-1, "x", "c1"),
		insertOp(6, "x", "c1"),
		deleteOp(3, 3, "c1"),
		deleteOp(-1, 1, "c1"),
		retainOp(4, 2, "c1"),
	}
	for _, op := range cases {
		_, err := Apply("hello", op)
		assert.ErrorIs(t, err, ErrOutOfRange, "op %+v", op)
	}
}

// Positions are code points, not bytes or UTF-16 units. "héllo🎉" is six code
// points even though it is ten bytes.
func TestApplyCountsCodePoints(t *testing.T) {
	doc := "héllo🎉"

	out, err := Apply(doc, insertOp(6, "!", "c1"))
	require.NoError(t, err)
	assert.Equal(t, "héllo🎉!", out)

	_, err = Apply(doc, insertOp(7, "!", "c1"))
	assert.ErrorIs(t, err, ErrOutOfRange)

	out, err = Apply(doc, deleteOp(5, 1, "c1"))
	require.NoError(t, err)
	assert.Equal(t, "héllo", out)
}

func TestApplyInverse(t *testing.T) {
	docs := []string{"", "hello", "héllo🎉wörld", "line1\nline2"}
	for _, doc := range docs {
		for pos := 0; pos <= len([]rune(doc)); pos++ {
			ins := insertOp(pos, "⚡ab", "c1")
			mid, err := Apply(doc, ins)
			require.NoError(t, err)
			back, err := Apply(mid, deleteOp(pos, ins.Span(), "c1"))
			require.NoError(t, err)
			assert.Equal(t, doc, back)
		}
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, insertOp(0, "x", "c1").Validate())
	assert.NoError(t, deleteOp(0, 1, "c1").Validate())
	assert.NoError(t, retainOp(0, 0, "c1").Validate())

	assert.ErrorIs(t, insertOp(-1, "x", "c1").Validate(), ErrBadOperation)
	assert.ErrorIs(t, deleteOp(0, -2, "c1").Validate(), ErrBadOperation)
	assert.ErrorIs(t, Operation{Kind: "replace"}.Validate(), ErrBadOperation)
	assert.ErrorIs(t, Operation{Kind: Delete, Text: "x", Length: 1}.Validate(), ErrBadOperation)
}

// tp1 asserts apply(apply(d,a), b') == apply(apply(d,b), a') for a pair of
// concurrent operations, and returns the converged content.
func tp1(t *testing.T, doc string, a, b Operation) string {
	t.Helper()

	_, bPrime := Transform(a, b)
	_, aPrime := Transform(b, a)

	left, err := Apply(doc, a)
	require.NoError(t, err, "apply a=%+v", a)
	left, err = Apply(left, bPrime)
	require.NoError(t, err, "apply b'=%+v after a=%+v", bPrime, a)

	right, err := Apply(doc, b)
	require.NoError(t, err, "apply b=%+v", b)
	right, err = Apply(right, aPrime)
	require.NoError(t, err, "apply a'=%+v after b=%+v", aPrime, b)

	require.Equal(t, left, right, "divergence for a=%+v b=%+v on %q", a, b, doc)
	return left
}

// Two clients insert at position 0 of an empty document. The smaller
// ClientID sorts first, so both sides converge to "AB".
func TestTransformConcurrentInsertsAtSamePosition(t *testing.T) {
	got := tp1(t, "", insertOp(0, "A", "c1"), insertOp(0, "B", "c2"))
	assert.Equal(t, "AB", got)

	// Reversed ids flip the outcome, still deterministically.
	got = tp1(t, "", insertOp(0, "A", "c2"), insertOp(0, "B", "c1"))
	assert.Equal(t, "BA", got)
}

func TestTransformInsertInsertDisjoint(t *testing.T) {
	got := tp1(t, "hello", insertOp(0, ">", "c1"), insertOp(5, "<", "c2"))
	assert.Equal(t, ">hello<", got)
}

// An insert that lands inside a concurrent delete range is absorbed by the
// delete: both replicas converge to the content with neither the deleted
// range nor the inserted text.
func TestTransformInsertInsideDelete(t *testing.T) {
	got := tp1(t, "hello world", deleteOp(6, 5, "c1"), insertOp(8, "XYZ", "c2"))
	assert.Equal(t, "hello ", got)
}

func TestTransformInsertBeforeAndAfterDelete(t *testing.T) {
	got := tp1(t, "hello world", deleteOp(0, 6, "c1"), insertOp(11, "!", "c2"))
	assert.Equal(t, "world!", got)

	got = tp1(t, "hello world", deleteOp(6, 5, "c1"), insertOp(0, ">", "c2"))
	assert.Equal(t, ">hello ", got)

	// Insert exactly at the delete's start survives.
	got = tp1(t, "hello world", deleteOp(6, 5, "c1"), insertOp(6, "X", "c2"))
	assert.Equal(t, "hello X", got)
}

func TestTransformDeleteDelete(t *testing.T) {
	// Disjoint.
	got := tp1(t, "abcdefgh", deleteOp(0, 2, "c1"), deleteOp(6, 2, "c2"))
	assert.Equal(t, "cdef", got)

	// Identical ranges collapse to a single removal.
	got = tp1(t, "abcdefgh", deleteOp(2, 3, "c1"), deleteOp(2, 3, "c2"))
	assert.Equal(t, "abfgh", got)

	// Fully contained.
	got = tp1(t, "abcdefgh", deleteOp(1, 6, "c1"), deleteOp(3, 2, "c2"))
	assert.Equal(t, "ah", got)

	// Partial overlap, either direction.
	got = tp1(t, "abcdefgh", deleteOp(0, 4, "c1"), deleteOp(2, 4, "c2"))
	assert.Equal(t, "gh", got)
	got = tp1(t, "abcdefgh", deleteOp(2, 4, "c1"), deleteOp(0, 4, "c2"))
	assert.Equal(t, "gh", got)
}

func TestTransformRetainIsTransparent(t *testing.T) {
	ret := retainOp(2, 3, "c1")
	ins := insertOp(0, "xx", "c2")

	retP, insP := Transform(ret, ins)
	assert.Equal(t, ins, insP)
	assert.Equal(t, 4, retP.Position)

	del := deleteOp(0, 2, "c2")
	retP, delP := Transform(ret, del)
	assert.Equal(t, del, delP)
	assert.Equal(t, 0, retP.Position)
	assert.Equal(t, 3, retP.Length)

	got := tp1(t, "abcdefgh", ret, del)
	assert.Equal(t, "cdefgh", got)
}

func TestTransformIsDeterministic(t *testing.T) {
	a := insertOp(3, "x", "c1")
	b := deleteOp(1, 4, "c2")
	a1, b1 := Transform(a, b)
	a2, b2 := Transform(a, b)
	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
}

// Randomized TP1 sweep across all kind pairs, including multi-byte and
// non-BMP runes. The seed is fixed so failures reproduce.
func TestTransformConvergenceRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []rune("abcXYZ éü🎉⚡\n")

	randomText := func(n int) string {
		out := make([]rune, n)
		for i := range out {
			out[i] = alphabet[rng.Intn(len(alphabet))]
		}
		return string(out)
	}

	randomOp := func(docLen int, clientID string) Operation {
		switch rng.Intn(3) {
		case 0:
			return insertOp(rng.Intn(docLen+1), randomText(1+rng.Intn(4)), clientID)
		case 1:
			pos := rng.Intn(docLen)
			return deleteOp(pos, 1+rng.Intn(docLen-pos), clientID)
		default:
			pos := rng.Intn(docLen)
			return retainOp(pos, rng.Intn(docLen-pos+1), clientID)
		}
	}

	for i := 0; i < 2000; i++ {
		doc := randomText(2 + rng.Intn(12))
		docLen := len([]rune(doc))
		a := randomOp(docLen, fmt.Sprintf("c%d", rng.Intn(4)))
		b := randomOp(docLen, fmt.Sprintf("d%d", rng.Intn(4)))
		tp1(t, doc, a, b)
	}
}

func TestComposeMergesAdjacentInserts(t *testing.T) {
	a := insertOp(2, "ab", "c1")
	b := insertOp(4, "cd", "c1")
	out := Compose(a, b)
	require.Len(t, out, 1)
	assert.Equal(t, "abcd", out[0].Text)
	assert.Equal(t, 2, out[0].Position)
}

func TestComposeMergesTouchingDeletes(t *testing.T) {
	a := deleteOp(4, 2, "c1")
	b := deleteOp(2, 2, "c1")
	out := Compose(a, b)
	require.Len(t, out, 1)
	assert.Equal(t, Delete, out[0].Kind)
	assert.Equal(t, 2, out[0].Position)
	assert.Equal(t, 4, out[0].Length)

	// Equivalence check against sequential application.
	doc := "abcdefgh"
	seq, err := Apply(doc, a)
	require.NoError(t, err)
	seq, err = Apply(seq, b)
	require.NoError(t, err)
	merged, err := Apply(doc, out[0])
	require.NoError(t, err)
	assert.Equal(t, seq, merged)
}

func TestComposeDeleteInsideInsertCancels(t *testing.T) {
	a := insertOp(1, "abcd", "c1")
	b := deleteOp(2, 2, "c1")
	out := Compose(a, b)
	require.Len(t, out, 1)
	assert.Equal(t, Insert, out[0].Kind)
	assert.Equal(t, "ad", out[0].Text)
}

func TestComposeKeepsIncompatiblePair(t *testing.T) {
	a := insertOp(0, "x", "c1")
	b := deleteOp(5, 1, "c1")
	out := Compose(a, b)
	require.Len(t, out, 2)
	assert.Equal(t, a, out[0])
	assert.Equal(t, b, out[1])
}
