package wml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	doc, err := ParseString(`
version="1.18.0"
[login]
	username="gromit"
[/login]
`, nil)
	require.NoError(t, err)

	root := doc.Root()
	v, ok := root.Attr("version")
	assert.True(t, ok)
	assert.Equal(t, "1.18.0", v)

	login := root.Child("login")
	require.NotNil(t, login)
	assert.Equal(t, "gromit", login.AttrOr("username", ""))
}

func TestParseComments(t *testing.T) {
	doc, err := ParseString(`
# server greeting
[message]
	# sender is implied
	message="hello"
[/message]
`, nil)
	require.NoError(t, err)
	msg := doc.Root().Child("message")
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg.AttrOr("message", ""))
	assert.Len(t, msg.Attrs(), 1)
}

func TestParseEscapedQuote(t *testing.T) {
	doc, err := ParseString("[speak]\nmessage=\"say \"\"cheese\"\"\"\n[/speak]\n", nil)
	require.NoError(t, err)
	assert.Equal(t, `say "cheese"`, doc.Root().Child("speak").AttrOr("message", ""))
}

func TestParseContinuation(t *testing.T) {
	doc, err := ParseString("[motd]\nmessage=\"first part \" +\n\"second part\"\n[/motd]\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "first part second part", doc.Root().Child("motd").AttrOr("message", ""))
}

func TestParseMultilineValue(t *testing.T) {
	doc, err := ParseString("[motd]\nmessage=\"line one\nline two\"\n[/motd]\n", nil)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", doc.Root().Child("motd").AttrOr("message", ""))
}

func TestParseAttributeOrderEnforced(t *testing.T) {
	_, err := ParseString("[side]\nteam=\"north\"\ncontroller=\"human\"\n[/side]\n", nil)
	assert.ErrorIs(t, err, ErrAttributeOrder)

	_, err = ParseString("[side]\nteam=\"north\"\nteam=\"south\"\n[/side]\n", nil)
	assert.ErrorIs(t, err, ErrAttributeOrder)
}

func TestParseTruncated(t *testing.T) {
	cases := []string{
		"[game]\nname=\"open\"\n",
		"[game]\nname=\"unterminated\n",
		"[game",
	}
	for _, src := range cases {
		_, err := ParseString(src, nil)
		assert.ErrorIs(t, err, ErrTruncatedDocument, "source: %q", src)
	}
}

func TestParseMismatchedClose(t *testing.T) {
	_, err := ParseString("[game]\n[/side]\n", nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRoundTrip(t *testing.T) {
	src := `
[scenario]
	id="two_rivers"
	name="Two Rivers"
	[side]
		controller="human"
		side="1"
	[/side]
	[event]
		name="start"
	[/event]
	[side]
		controller="ai"
		side="2"
	[/side]
[/scenario]
`
	doc, err := ParseString(src, nil)
	require.NoError(t, err)

	text := doc.Serialize()
	again, err := ParseString(text, nil)
	require.NoError(t, err)

	assert.True(t, doc.Equal(again), "re-parsed tree differs")
	assert.Equal(t, text, again.Serialize())

	// Interleaved child order survives: side, event, side.
	names := []string{}
	for _, c := range doc.Root().Child("scenario").All() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"side", "event", "side"}, names)
}

func TestCloneIndependent(t *testing.T) {
	doc, err := ParseString("[game]\nname=\"alpha\"\n[/game]\n", nil)
	require.NoError(t, err)

	cp := doc.Clone(nil)
	cp.Root().Child("game").SetAttr("name", "beta")

	assert.Equal(t, "alpha", doc.Root().Child("game").AttrOr("name", ""))
	assert.Equal(t, "beta", cp.Root().Child("game").AttrOr("name", ""))
}

func TestRegistryAccounting(t *testing.T) {
	reg := NewRegistry()
	doc, err := ParseString("[a]\nk=\"v\"\n[/a]\n", reg)
	require.NoError(t, err)

	s := reg.Stats()
	assert.Equal(t, 1, s.Documents)
	assert.Greater(t, s.Bytes, 0)

	doc.Close()
	assert.Equal(t, 0, reg.Stats().Documents)
}
