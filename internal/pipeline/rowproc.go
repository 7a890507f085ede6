// internal/pipeline/rowproc.go
package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// roleKeySuffix marks the cache entry holding a row's inferred role.
const roleKeySuffix = "column_type"

// RowResult is the output of transforming one cell.
type RowResult struct {
	Value any
	Role  Role
}

// RowFunc is a pure per-cell transform. Fingerprint identifies the
// transform's logic; fingerprint plus input is the full cache key.
type RowFunc interface {
	Fingerprint() string
	TransformRow(ctx context.Context, value string, h *Handler) (RowResult, error)
}

// RowProcessor applies a RowFunc to one input column, memoizing per value,
// and writes the results to an output column.
type RowProcessor struct {
	Input  string
	Output string
	Func   RowFunc
}

// NewRowProcessor returns a processor reading input and writing output.
func NewRowProcessor(input, output string, fn RowFunc) *RowProcessor {
	return &RowProcessor{Input: input, Output: output, Func: fn}
}

// CacheKey returns sha1(fingerprint + input) as hex.
func CacheKey(fingerprint, input string) string {
	sum := sha1.Sum([]byte(fingerprint + input))
	return hex.EncodeToString(sum[:])
}

// Transform implements Step. Cancellation is checked before every row; rows
// not reached are written as null.
func (p *RowProcessor) Transform(ctx context.Context, s *State, h *Handler) error {
	if err := s.RequireColumn(p.Input); err != nil {
		return err
	}

	n := s.Table.Len()
	out := make([]any, n)
	var role Role

	h.UpdateProgress(0, n)
	for i := 0; i < n; i++ {
		if h.ShouldCancel() {
			h.Logf("cancelled after %d of %d rows", i, n)
			break
		}

		input := s.Table.Text(i, p.Input)
		key := CacheKey(p.Func.Fingerprint(), input)

		value, hit := h.GetCache(ctx, key)
		var rowRole Role
		if hit {
			if r, ok := h.GetCache(ctx, key+roleKeySuffix); ok {
				rowRole = Role(Stringify(r))
			}
		} else {
			res, err := p.Func.TransformRow(ctx, input, h)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			value, rowRole = res.Value, res.Role
			h.PutCache(ctx, key, value)
			h.PutCache(ctx, key+roleKeySuffix, string(rowRole))
		}

		out[i] = value
		if rowRole != RoleNone {
			role = rowRole
		}
		h.IncrementProgress()
	}

	if err := s.Table.SetColumn(p.Output, out); err != nil {
		return err
	}
	s.Snapshot()
	if role != RoleNone {
		s.Registry.SetRole(p.Output, role)
	}
	return nil
}
