package shellwords

import (
	"errors"
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", "apt-get install -y curl", []string{"apt-get", "install", "-y", "curl"}},
		{"single quotes", "echo 'hello world'", []string{"echo", "hello world"}},
		{"double quotes", `echo "hello world"`, []string{"echo", "hello world"}},
		{"escaped space", `echo hello\ world`, []string{"echo", "hello world"}},
		{"empty quotes", "echo ''", []string{"echo", ""}},
		{"mixed quoting", `git commit -m "fix: don't break"`, []string{"git", "commit", "-m", "fix: don't break"}},
		{"escape inside double quotes", `echo "a\"b"`, []string{"echo", `a"b`}},
		{"tabs and newlines", "a\tb\nc", []string{"a", "b", "c"}},
		{"leading and trailing space", "  ls  -la  ", []string{"ls", "-la"}},
		{"empty", "", nil},
		{"only spaces", "   ", nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Split(tc.in)
			if err != nil {
				t.Fatalf("Split(%q): %v", tc.in, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Split(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestSplitUnbalanced(t *testing.T) {
	for _, in := range []string{"echo 'open", `echo "open`, `echo trailing\`} {
		if _, err := Split(in); !errors.Is(err, ErrUnbalancedQuotes) {
			t.Errorf("Split(%q) error = %v, want ErrUnbalancedQuotes", in, err)
		}
	}
}

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"curl", "curl"},
		{"", "''"},
		{"hello world", "'hello world'"},
		{"a'b", `'a'\''b'`},
		{"$HOME", "'$HOME'"},
		{"a;b", "'a;b'"},
	}

	for _, tc := range tests {
		if got := Quote(tc.in); got != tc.want {
			t.Errorf("Quote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestJoin(t *testing.T) {
	got := Join([]string{"apt-get", "install", "-y", "libfoo dev"})
	want := "apt-get install -y 'libfoo dev'"
	if got != want {
		t.Errorf("Join = %q, want %q", got, want)
	}
}
