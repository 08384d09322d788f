package discover

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "separator runs collapse",
			input: "Sales_Report-2024",
			want:  []string{"sales", "report", "2024"},
		},
		{
			name:  "port marker stripped",
			input: "Sales Report (51542)",
			want:  []string{"sales", "report"},
		},
		{
			name:  "file extension stripped",
			input: "Quarterly.pbix",
			want:  []string{"quarterly"},
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
		{
			name:  "punctuation only",
			input: "-_().",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenize(tt.input)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tokenize(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeModelName(t *testing.T) {
	if got := normalizeModelName("Sales_Report (51542)"); got != "sales report" {
		t.Errorf("normalizeModelName = %q, want %q", got, "sales report")
	}
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{
			name: "identical",
			a:    []string{"sales", "report"},
			b:    []string{"sales", "report"},
			want: 1.0,
		},
		{
			name: "disjoint",
			a:    []string{"sales"},
			b:    []string{"finance"},
			want: 0,
		},
		{
			name: "partial",
			a:    []string{"sales", "report", "2024"},
			b:    []string{"sales", "report"},
			want: 2.0 / 3.0,
		},
		{
			name: "empty side",
			a:    nil,
			b:    []string{"sales"},
			want: 0,
		},
		{
			name: "duplicate tokens count once",
			a:    []string{"sales", "sales"},
			b:    []string{"sales"},
			want: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenOverlap(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("tokenOverlap(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
