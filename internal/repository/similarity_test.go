package repository

import (
	"errors"
	"math"
	"testing"
	"time"

	"ragchat/internal/domain"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"dimension mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEmbeddingBlobRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.0e-7}
	out, err := decodeEmbedding(encodeEmbedding(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d values, got %d", len(in), len(out))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("value %d: expected %v, got %v", i, in[i], out[i])
		}
	}
	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (f *fakeRows) Next() bool {
	if f.idx >= len(f.rows) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeRows) Scan(dest ...interface{}) error {
	row := f.rows[f.idx-1]
	if len(dest) != len(row) {
		return errors.New("column count mismatch")
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *bool:
			*d = v.(bool)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func (f *fakeRows) Err() error { return f.err }
func (f *fakeRows) Close()     {}

func TestScanMessages(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("x", 3600))
	rows := &fakeRows{rows: [][]any{
		{"m1", "s1", "assistant", "hola", true, false, "partial", []byte(`[{"title":"t","url":"","snippet":"s","score":0.5,"meta":{"doc_id":"d1"}}]`), created},
		{"m2", "s1", "user", "que tal", false, false, "complete", []byte(nil), created},
	}}

	msgs, err := scanMessages(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleAssistant || msgs[0].Status != domain.MessagePartial {
		t.Fatalf("unexpected first message: %+v", msgs[0])
	}
	if len(msgs[0].Sources) != 1 || msgs[0].Sources[0].Score != 0.5 {
		t.Fatalf("unexpected sources: %+v", msgs[0].Sources)
	}
	if msgs[1].Sources == nil || len(msgs[1].Sources) != 0 {
		t.Fatalf("expected empty non-nil sources, got %#v", msgs[1].Sources)
	}
	if msgs[0].CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps")
	}

	rows = &fakeRows{err: errors.New("boom")}
	if _, err := scanMessages(rows); err == nil {
		t.Fatalf("expected rows error to surface")
	}
}
