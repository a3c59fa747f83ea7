// Package textbuf applies insert, delete and format edits to a text buffer.
// Offsets and lengths count Unicode code points.
package textbuf

import (
	"coedit/api/internal/apperr"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpFormat OpType = "format"
)

func (t OpType) Valid() bool {
	switch t {
	case OpInsert, OpDelete, OpFormat:
		return true
	default:
		return false
	}
}

// Edit is the part of an operation the applier needs.
type Edit struct {
	Type       OpType
	Position   int
	Content    string
	Length     int
	Attributes map[string]any
}

// Apply returns the buffer produced by applying e to buffer.
// Format edits leave the text untouched but must address a range inside it.
func Apply(buffer string, e Edit) (string, error) {
	return applyAt(buffer, e, 0)
}

// ApplyBatch applies edits in order, each against the result of the previous
// one. The first failing edit aborts the batch and the input buffer is the
// only valid state.
func ApplyBatch(buffer string, edits []Edit) (string, error) {
	current := buffer
	for i, e := range edits {
		next, err := applyAt(current, e, i)
		if err != nil {
			return buffer, err
		}
		current = next
	}
	return current, nil
}

// Len reports the buffer length in code points.
func Len(buffer string) int {
	return len([]rune(buffer))
}

func applyAt(buffer string, e Edit, index int) (string, error) {
	runes := []rune(buffer)
	size := len(runes)
	outOfRange := &apperr.OutOfRangeError{Index: index, Position: e.Position, Length: e.Length, BufferLen: size}

	switch e.Type {
	case OpInsert:
		if e.Position < 0 || e.Position > size {
			return buffer, outOfRange
		}
		insert := []rune(e.Content)
		out := make([]rune, 0, size+len(insert))
		out = append(out, runes[:e.Position]...)
		out = append(out, insert...)
		out = append(out, runes[e.Position:]...)
		return string(out), nil
	case OpDelete:
		if e.Position < 0 || e.Length < 0 || e.Position+e.Length > size {
			return buffer, outOfRange
		}
		out := make([]rune, 0, size-e.Length)
		out = append(out, runes[:e.Position]...)
		out = append(out, runes[e.Position+e.Length:]...)
		return string(out), nil
	case OpFormat:
		if e.Position < 0 || e.Length < 0 || e.Position+e.Length > size {
			return buffer, outOfRange
		}
		return buffer, nil
	default:
		return buffer, apperr.Invalid("type", "unknown operation type "+string(e.Type))
	}
}
