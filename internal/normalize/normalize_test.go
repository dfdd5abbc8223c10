package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	n := New(DefaultOptions())

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"hamza alef", "أحمد", "احمد"},
		{"alef variants", "إسلام آمن ٱلله", "اسلام امن الله"},
		{"tatweel", "كـــتاب", "کتاب"},
		{"diacritics", "مُحَمَّدٌ", "محمد"},
		{"superscript alef", "هٰذا", "هذا"},
		{"ta marbuta", "مدرسة", "مدرسه"},
		{"hamza seats", "مؤمن سائل", "مومن سایل"},
		{"alef maqsura", "على", "علی"},
		{"ya to persian ya", "في", "فی"},
		{"whitespace", "  سلام \t\n  عليکم  ", "سلام علیکم"},
		{"empty", "", ""},
		{"only spaces", " \n\t ", ""},
		{"latin untouched", "Hello  World", "Hello World"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	n := New(DefaultOptions())
	inputs := []string{
		"أَحْمَدُ بْنُ حَنْبَلٍ",
		"على الكتاب ــ المدرسة",
		"### باب  في   الصلاة",
		"ئؤإأآٱىيكة",
	}
	for _, in := range inputs {
		once := n.Normalize(in)
		assert.Equal(t, once, n.Normalize(once), "input %q", in)
	}
}

func TestNormalize_NoDiacriticsRemain(t *testing.T) {
	n := New(DefaultOptions())
	out := n.Normalize("بِسْمِ اللَّهِ الرَّحْمَٰنِ الرَّحِيمِ")
	for _, r := range out {
		assert.False(t, IsDiacritic(r), "diacritic %U left in %q", r, out)
	}
}

func TestNormalize_Toggles(t *testing.T) {
	t.Run("whitespace only", func(t *testing.T) {
		n := New(Options{})
		assert.Equal(t, "أَحْمَد كـتاب", n.Normalize("  أَحْمَد   كـتاب "))
	})

	t.Run("tatweel kept", func(t *testing.T) {
		opts := DefaultOptions()
		opts.RemoveTatweel = false
		assert.Equal(t, "کـتاب", New(opts).Normalize("كـتاب"))
	})

	t.Run("diacritics kept", func(t *testing.T) {
		opts := DefaultOptions()
		opts.RemoveDiacritics = false
		assert.Equal(t, "مُحَمَّد", New(opts).Normalize("مُحَمَّد"))
	})

	t.Run("any map toggle enables the map", func(t *testing.T) {
		n := New(Options{NormalizeHamzaConservative: true})
		assert.Equal(t, "احمد", n.Normalize("أحمد"))
	})
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "unknown", New(Options{}).Version())
	assert.Equal(t, "v2", New(Options{Version: "v2"}).Version())
}
