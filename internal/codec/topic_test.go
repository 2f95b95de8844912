package codec

import "testing"

func TestMatchTopic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		filter, topic string
		match         bool
	}{
		{"foo/bar", "foo/bar", true},
		{"foo/+", "foo/bar", true},
		{"foo/+/baz", "foo/bar/baz", true},
		{"foo/+/#", "foo/bar/baz", true},
		{"foo/#", "foo", true},
		{"foo/#", "foo/bar/baz", true},
		{"#", "foo/bar", true},
		{"+/+", "foo/bar", true},
		{"+/+", "/foo", true},
		{"foo/+", "foo/", true},
		{"$SYS/#", "$SYS/bar", true},
		{"foo/bar", "foo", false},
		{"foo/+", "foo/bar/baz", false},
		{"foo/+/baz", "foo/bar/bar", false},
		{"+/+/+", "foo/bar", false},
		{"foo/bar", "foo/bar/baz", false},
		{"#", "$SYS/bar", false},
		{"+/bar", "$SYS/bar", false},
		{"$BOB/bar", "$SYS/bar", false},
	}
	for _, c := range cases {
		if got := MatchTopic(c.filter, c.topic); got != c.match {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.filter, c.topic, got, c.match)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	t.Parallel()

	for _, f := range []string{"a", "a/b", "+", "#", "a/+/b", "a/#", "/+", "$SYS/#"} {
		if err := ValidateFilter(f); err != nil {
			t.Errorf("%q: %v", f, err)
		}
	}

	if err := ValidateFilter(""); err != ErrEmptyTopic {
		t.Errorf("expected ErrEmptyTopic, got %v", err)
	}
	for _, f := range []string{"a/#/b", "a+", "a/b#", "#/a", "a/++"} {
		if err := ValidateFilter(f); err != ErrInvalidFilter {
			t.Errorf("%q: expected ErrInvalidFilter, got %v", f, err)
		}
	}
}
