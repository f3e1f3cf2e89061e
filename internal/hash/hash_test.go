package hash

import (
	"testing"
	"time"
)

func TestBuilder_Deterministic(t *testing.T) {
	f := 1.5
	build := func() uint64 {
		return New().
			String("agent").
			Int64(42).
			OptionalFloat(&f).
			Time(time.Unix(100, 0)).
			Sum()
	}

	if build() != build() {
		t.Error("same input must produce the same hash")
	}
}

func TestBuilder_Distinguishes(t *testing.T) {
	tests := []struct {
		name string
		a, b *Builder
	}{
		{"separator", New().String("ab").String("c"), New().String("a").String("bc")},
		{"nil vs zero", New().OptionalFloat(nil), New().OptionalFloat(new(float64))},
		{"int", New().Int64(1), New().Int64(2)},
		{"bool", New().Bool(true), New().Bool(false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.a.Sum() == tt.b.Sum() {
				t.Error("expected different hashes")
			}
		})
	}
}

func TestBuilder_ETag(t *testing.T) {
	etag := New().String("x").ETag()
	if len(etag) != 18 || etag[0] != '"' || etag[17] != '"' {
		t.Errorf("unexpected etag format %q", etag)
	}
}
