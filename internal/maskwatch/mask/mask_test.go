package mask_test

import (
	"errors"
	"testing"

	"github.com/opertools/maskwatch/internal/maskwatch/mask"
)

func compile(t *testing.T, src string) interface {
	MatchString(string) bool
} {
	t.Helper()
	re, err := mask.Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q): %v", src, err)
	}
	return re
}

func ref(account, secure, connect bool, line string) string {
	return mask.Header(account, secure, connect) + "\n" + line
}

func TestCompileRegexMatchesConnectOnly(t *testing.T) {
	re := compile(t, "/foo/")

	if !re.MatchString(ref(false, false, true, "xfooy!u@h real")) {
		t.Error("should match a connect reference containing foo")
	}
	if re.MatchString(ref(false, false, false, "xfooy!u@h real")) {
		t.Error("should not match a nick-change reference without the N flag")
	}
	if re.MatchString(ref(false, false, true, "bar!u@h real")) {
		t.Error("should not match a reference without foo")
	}
}

func TestCompileNickChangeFlag(t *testing.T) {
	re := compile(t, "/^spam/N")

	if !re.MatchString(ref(false, false, false, "spambot!u@h real")) {
		t.Error("N flag should match nick-change references")
	}
	if !re.MatchString(ref(false, false, true, "spambot!u@h real")) {
		t.Error("N flag should still match connect references")
	}
	if re.MatchString(ref(false, false, true, "notspam!u@h real")) {
		t.Error("^ anchor should bind to the start of the reference line")
	}
}

func TestCompileLiteralAnchored(t *testing.T) {
	re := compile(t, `"x."^`)

	if !re.MatchString(ref(false, false, true, "x.y!u@h real")) {
		t.Error("literal should match at line start")
	}
	if re.MatchString(ref(false, false, true, "ax.y!u@h real")) {
		t.Error("^ flag should anchor the literal at line start")
	}
	if re.MatchString(ref(false, false, true, "xzy!u@h real")) {
		t.Error("literal dot must not act as a regex wildcard")
	}
}

func TestCompileGlob(t *testing.T) {
	re := compile(t, "%*@*.example real%")

	if !re.MatchString(ref(false, false, true, "nick!u@host.example real")) {
		t.Error("glob should match *.example hosts")
	}
	if re.MatchString(ref(false, false, true, "nick!u@example.org real")) {
		t.Error("glob should not match other hosts")
	}
}

func TestCompileAccountAndSecureFlags(t *testing.T) {
	tests := []struct {
		src     string
		account bool
		secure  bool
		want    bool
	}{
		{"/u@h/A", false, false, true},
		{"/u@h/A", true, false, false},
		{"/u@h/a", true, false, true},
		{"/u@h/a", false, false, false},
		{"/u@h/Z", false, false, true},
		{"/u@h/Z", false, true, false},
		{"/u@h/z", false, true, true},
		{"/u@h/z", false, false, false},
		{"/u@h/aZ", true, false, true},
		{"/u@h/aZ", true, true, false},
	}
	for _, tt := range tests {
		re := compile(t, tt.src)
		got := re.MatchString(ref(tt.account, tt.secure, true, "n!u@h real"))
		if got != tt.want {
			t.Errorf("%s against account=%v secure=%v: got %v, want %v",
				tt.src, tt.account, tt.secure, got, tt.want)
		}
	}
}

func TestCompileCaseInsensitive(t *testing.T) {
	re := compile(t, `"BadGuy"i`)
	if !re.MatchString(ref(false, false, true, "badguy!u@h real")) {
		t.Error("i flag should enable case-insensitive matching")
	}
}

func TestCompileEscapedDelimiter(t *testing.T) {
	re := compile(t, `"a\"b"`)
	if !re.MatchString(ref(false, false, true, `a"b!u@h real`)) {
		t.Error("escaped delimiter should match literally")
	}
}

func TestCompileUnknownFlagsIgnored(t *testing.T) {
	re := compile(t, "/foo/Qx7")
	if !re.MatchString(ref(false, false, true, "foo!u@h real")) {
		t.Error("unknown flags must not alter matching")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := mask.Compile("//"); !errors.Is(err, mask.ErrEmptyMask) {
		t.Errorf("empty body: got %v, want ErrEmptyMask", err)
	}
	if _, err := mask.Compile("/foo"); !errors.Is(err, mask.ErrUnterminatedMask) {
		t.Errorf("unterminated: got %v, want ErrUnterminatedMask", err)
	}
	if _, err := mask.Compile("abc"); !errors.Is(err, mask.ErrNoDelimiter) {
		t.Errorf("alnum delimiter: got %v, want ErrNoDelimiter", err)
	}
	if _, err := mask.Compile("/foo(/"); err == nil {
		t.Error("bad regex should fail to compile")
	}
}

func TestToken(t *testing.T) {
	m, rest, err := mask.Token(`/spam/iN you are banned|spambot`)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if m != "/spam/iN" {
		t.Errorf("mask: got %q", m)
	}
	if rest != "you are banned|spambot" {
		t.Errorf("rest: got %q", rest)
	}

	m, rest, err = mask.Token(`"just a mask"`)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if m != `"just a mask"` || rest != "" {
		t.Errorf("got %q / %q", m, rest)
	}

	if _, _, err := mask.Token("nodelim"); !errors.Is(err, mask.ErrNoDelimiter) {
		t.Errorf("got %v, want ErrNoDelimiter", err)
	}
	if _, _, err := mask.Token("   "); !errors.Is(err, mask.ErrEmptyMask) {
		t.Errorf("got %v, want ErrEmptyMask", err)
	}
}

func TestTypeStringRoundTrip(t *testing.T) {
	tests := []struct {
		t mask.Type
		s string
	}{
		{mask.Warn, "WARN"},
		{mask.Lethal, "LETHAL"},
		{mask.Lethal | mask.Delay, "LETHAL|DELAY"},
		{mask.Kill | mask.Delay | mask.Quick, "KILL|DELAY|QUICK"},
		{mask.Exclude | mask.Silent, "EXCLUDE|SILENT"},
		{mask.Resv | mask.Quiet, "RESV|QUIET"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.s {
			t.Errorf("String(%d): got %q, want %q", int(tt.t), got, tt.s)
		}
		parsed, err := mask.ParseType(tt.s)
		if err != nil {
			t.Errorf("ParseType(%q): %v", tt.s, err)
		} else if parsed != tt.t {
			t.Errorf("ParseType(%q): got %d, want %d", tt.s, int(parsed), int(tt.t))
		}
	}

	if _, err := mask.ParseType("SMITE"); err == nil {
		t.Error("unknown action should fail to parse")
	}
	if _, err := mask.ParseType("KILL|LOUDLY"); err == nil {
		t.Error("unknown modifier should fail to parse")
	}
}

func TestWeightOrdering(t *testing.T) {
	// The action dominates; within an action, more modifier bits win.
	ordered := []mask.Type{
		mask.Warn,
		mask.Warn | mask.Quiet,
		mask.Kill,
		mask.Lethal,
		mask.Lethal | mask.Delay,
		mask.Lethal | mask.Delay | mask.Quick,
		mask.Resv,
		mask.Exclude,
	}
	for i := 1; i < len(ordered); i++ {
		lo, hi := ordered[i-1], ordered[i]
		if lo.Weight() >= hi.Weight() {
			t.Errorf("Weight(%s)=%d should be below Weight(%s)=%d",
				lo, lo.Weight(), hi, hi.Weight())
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1w", 604800},
		{"1d", 86400},
		{"2h30m", 9000},
		{"1w2d", 777600},
		{"10m", 600},
	}
	for _, tt := range tests {
		got, err := mask.ParseDuration(tt.in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q): got %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, in := range []string{"", "bogus", "1x", "w"} {
		if _, err := mask.ParseDuration(in); !errors.Is(err, mask.ErrBadDuration) {
			t.Errorf("ParseDuration(%q): got %v, want ErrBadDuration", in, err)
		}
	}
}

func TestPrettyDuration(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0s"},
		{45, "45s"},
		{90, "1m30s"},
		{3600, "1h"},
		{90061, "1d1h"},
		{604800 + 3600, "1w1h"},
	}
	for _, tt := range tests {
		if got := mask.PrettyDuration(tt.in); got != tt.want {
			t.Errorf("PrettyDuration(%d): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
