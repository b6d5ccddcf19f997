package wml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Document {
	t.Helper()
	doc, err := ParseString(src, nil)
	require.NoError(t, err)
	return doc
}

func TestDiffAttributeChange(t *testing.T) {
	a := mustParse(t, "[game]\nname=\"alpha\"\nturn=\"1\"\n[/game]\n")
	b := mustParse(t, "[game]\nname=\"alpha\"\nturn=\"2\"\n[/game]\n")

	patched := a.Clone(nil)
	ApplyDiff(patched, Diff(a, b, nil))
	assert.True(t, patched.Equal(b))
}

func TestDiffAttributeDelete(t *testing.T) {
	a := mustParse(t, "[game]\nname=\"alpha\"\npassword=\"secret\"\n[/game]\n")
	b := mustParse(t, "[game]\nname=\"alpha\"\n[/game]\n")

	patched := a.Clone(nil)
	ApplyDiff(patched, Diff(a, b, nil))
	assert.True(t, patched.Equal(b))
}

func TestDiffChildInsertDelete(t *testing.T) {
	a := mustParse(t, `
[scenario]
	[side]
		side="1"
	[/side]
[/scenario]
`)
	b := mustParse(t, `
[scenario]
	[side]
		side="1"
	[/side]
	[side]
		side="2"
	[/side]
	[side]
		side="3"
	[/side]
[/scenario]
`)

	patched := a.Clone(nil)
	ApplyDiff(patched, Diff(a, b, nil))
	assert.True(t, patched.Equal(b))

	// And back: delete the added sides.
	ApplyDiff(patched, Diff(b, a, nil))
	assert.True(t, patched.Equal(a))
}

func TestDiffNestedChange(t *testing.T) {
	a := mustParse(t, `
[scenario]
	[side]
		controller="human"
		current_player="gromit"
		side="1"
	[/side]
	[side]
		controller="ai"
		side="2"
	[/side]
[/scenario]
`)
	b := mustParse(t, `
[scenario]
	[side]
		controller="human"
		current_player="gromit"
		side="1"
	[/side]
	[side]
		controller="human"
		current_player="preston"
		side="2"
	[/side]
[/scenario]
`)

	diff := Diff(a, b, nil)
	patched := a.Clone(nil)
	ApplyDiff(patched, diff)
	assert.True(t, patched.Equal(b))

	// The diff touches only side 2.
	var indices []string
	for _, op := range diff.Root().Children("change_child") {
		indices = append(indices, op.AttrOr("index", ""))
	}
	assert.NotContains(t, indices, "0")
}

func TestApplyDiffOutOfRangeIsTolerated(t *testing.T) {
	base := mustParse(t, "[scenario]\n[side]\nside=\"1\"\n[/side]\n[/scenario]\n")
	diff := mustParse(t, `
[delete_child]
	index="7"
	[side]
	[/side]
[/delete_child]
[change_child]
	index="3"
	[side]
		[insert]
			gold="100"
		[/insert]
	[/side]
[/change_child]
`)

	before := base.Serialize()
	ApplyDiff(base, diff)
	assert.Equal(t, before, base.Serialize(), "malformed diff must degrade to a no-op")
}

func TestDiffAddressesChildrenPerName(t *testing.T) {
	a := mustParse(t, `
[scenario]
	[era]
		id="old"
	[/era]
	[side]
		side="1"
	[/side]
[/scenario]
`)
	b := mustParse(t, `
[scenario]
	[side]
		side="1"
	[/side]
	[era]
		id="new"
	[/era]
[/scenario]
`)

	patched := a.Clone(nil)
	ApplyDiff(patched, Diff(a, b, nil))

	// Child positions are addressed per tag name, so each name's list
	// converges on the target while the global interleaving of
	// differently named siblings keeps the original order.
	pr := patched.Root().Child("scenario")
	br := b.Root().Child("scenario")
	require.NotNil(t, pr)
	assert.Equal(t, "new", pr.Children("era")[0].AttrOr("id", ""))
	assert.True(t, pr.Children("side")[0].Equal(br.Children("side")[0]))
	assert.False(t, patched.Equal(b), "cross-name reordering is outside the format")
}

func TestApplyDiffAtScenarioRoot(t *testing.T) {
	base := mustParse(t, "[scenario]\nturn=\"1\"\n[/scenario]\n")
	diff := mustParse(t, `
[change_child]
	index="0"
	[scenario]
		[insert]
			turn="2"
		[/insert]
	[/scenario]
[/change_child]
`)

	ApplyDiff(base, diff)
	assert.Equal(t, "2", base.Root().Child("scenario").AttrOr("turn", ""))
}
