package fontcheck

import "testing"

func TestMissingFrom(t *testing.T) {
	tests := []struct {
		name     string
		fontList string
		want     []string
	}{
		{
			name:     "both present",
			fontList: "/usr/share/fonts/times.ttf: Times New Roman:style=Regular\n/usr/share/fonts/tahoma.ttf: Tahoma:style=Regular\n",
			want:     nil,
		},
		{
			name:     "case insensitive",
			fontList: "TIMES NEW ROMAN\ntahoma\n",
			want:     nil,
		},
		{
			name:     "tahoma missing",
			fontList: "Times New Roman:style=Bold\nDejaVu Sans\n",
			want:     []string{"Tahoma"},
		},
		{
			name:     "both missing",
			fontList: "DejaVu Sans\nLiberation Serif\n",
			want:     []string{"Times New Roman", "Tahoma"},
		},
		{
			name:     "empty listing",
			fontList: "",
			want:     []string{"Times New Roman", "Tahoma"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := missingFrom(tt.fontList)
			if len(got) != len(tt.want) {
				t.Fatalf("missingFrom() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("missingFrom()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
