package smtpengine

import "testing"

func TestExtractAddress(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Alice <a@b.c>", "a@b.c"},
		{"a@b.c", "a@b.c"},
		{`"x<y" <a@b.c>`, "a@b.c"},
		{"(comment <nope@x>) <a@b.c>", "a@b.c"},
	}
	for _, c := range cases {
		if got := ExtractAddress(c.in); got != c.want {
			t.Errorf("ExtractAddress(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
