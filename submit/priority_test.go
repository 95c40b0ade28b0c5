package submit

import (
	"testing"

	"github.com/clarapipe/dicom-adapter/model"
)

func TestMapPriorityCoversAllByteValues(t *testing.T) {
	for b := 0; b <= 255; b++ {
		got := MapPriority(byte(b))
		var want model.Priority
		switch {
		case b < 128:
			want = model.PriorityLower
		case b == 128:
			want = model.PriorityNormal
		case b == 255:
			want = model.PriorityImmediate
		default:
			want = model.PriorityHigher
		}
		if got != want {
			t.Errorf("MapPriority(%d) = %v, want %v", b, got, want)
		}
	}
}

func TestMapPriorityBoundaries(t *testing.T) {
	cases := []struct {
		b    byte
		want model.Priority
	}{
		{0, model.PriorityLower},
		{1, model.PriorityLower},
		{127, model.PriorityLower},
		{128, model.PriorityNormal},
		{129, model.PriorityHigher},
		{254, model.PriorityHigher},
		{255, model.PriorityImmediate},
	}
	for _, c := range cases {
		if got := MapPriority(c.b); got != c.want {
			t.Errorf("MapPriority(%d) = %v, want %v", c.b, got, c.want)
		}
	}
}
