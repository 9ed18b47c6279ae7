package rekey

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/born-ml/emaclean/internal/pickle"
)

func TestPrefixMapper(t *testing.T) {
	m := NewEMAMapper()
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"ema.model.layer.weight", "model.model.layer.weight", true},
		{"ema.model", "model.model", true},
		{"ema.model_extra.weight", "model.model_extra.weight", true},
		// Only the leading prefix is rewritten; inner occurrences stay.
		{"ema.model.ema.model.w", "model.model.ema.model.w", true},
		{"model.model.layer.weight", "", false},
		{"ema.decay", "", false},
		{"other.ema.model.weight", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := m.MapName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "ema.model* -> model.model*", m.String())
}

func TestApply(t *testing.T) {
	t1, t2, t3 := pickle.NewList(int64(1)), pickle.NewList(int64(2)), pickle.NewList(int64(3))

	sd := pickle.NewDict()
	sd.Set("model.model.w0", t3)
	sd.Set("ema.model.w1", t1)
	sd.Set("other.w2", t2)
	sd.Set("ema.model.w3", t3)
	sd.Set(int64(7), t1)

	out, stats := Apply(sd, NewEMAMapper())
	assert.Equal(t, []string{"model.model.w1", "model.model.w3"}, out.StringKeys())
	assert.Equal(t, Stats{Kept: 2, Dropped: 2, Skipped: 1}, stats)
	assert.Equal(t, 5, stats.Total())

	v, _ := out.Get("model.model.w1")
	assert.Same(t, t1, v)

	// The input is left untouched.
	assert.Equal(t, 5, sd.Len())
}

func TestApplyEmpty(t *testing.T) {
	out, stats := Apply(pickle.NewDict(), NewEMAMapper())
	assert.Zero(t, out.Len())
	assert.Zero(t, stats.Total())
}

func TestApplyNotIdempotent(t *testing.T) {
	sd := pickle.NewDict()
	sd.Set("ema.model.w1", int64(1))

	once, _ := Apply(sd, NewEMAMapper())
	twice, stats := Apply(once, NewEMAMapper())
	assert.Zero(t, twice.Len())
	assert.Equal(t, 1, stats.Dropped)
}

func TestApplyCustomPrefixes(t *testing.T) {
	sd := pickle.NewDict()
	sd.Set("model_ema.backbone.w", int64(1))
	sd.Set("model.backbone.w", int64(2))

	out, _ := Apply(sd, NewPrefixMapper("model_ema.", "model."))
	assert.Equal(t, []string{"model.backbone.w"}, out.StringKeys())
	v, _ := out.Get("model.backbone.w")
	assert.Equal(t, int64(1), v)
}
