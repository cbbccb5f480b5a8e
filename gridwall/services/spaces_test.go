package services

import "testing"

func TestSpacesURL(t *testing.T) {
	s := &SpacesService{bucket: "gridwall", region: "nyc3"}

	tests := []struct {
		name string
		key  string
		want string
	}{
		{
			name: "upload key",
			key:  "uploads/0_0/abc",
			want: "https://gridwall.nyc3.digitaloceanspaces.com/uploads/0_0/abc",
		},
		{
			name: "leading slash trimmed",
			key:  "/uploads/0_0/abc",
			want: "https://gridwall.nyc3.digitaloceanspaces.com/uploads/0_0/abc",
		},
		{
			name: "empty key",
			key:  "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.URL(tt.key); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewSpacesServiceRequiresCredentials(t *testing.T) {
	if _, err := NewSpacesService(SpacesConfig{Region: "nyc3", Bucket: "gridwall"}); err == nil {
		t.Fatal("NewSpacesService() error = nil, want missing credentials")
	}
}
