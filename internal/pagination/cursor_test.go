package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	at time.Time
	id string
}

func key(it item) (time.Time, string) { return it.at, it.id }

var base = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

// newestFirst builds items where two share a timestamp, ordered as the
// ledger returns them.
func newestFirst() []item {
	return []item{
		{base.Add(3 * time.Second), "e"},
		{base.Add(2 * time.Second), "d"},
		{base.Add(time.Second), "c"},
		{base.Add(time.Second), "b"},
		{base, "a"},
	}
}

func TestDecode(t *testing.T) {
	c, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = Decode(Cursor{At: base, ID: "01JP"}.Encode())
	require.NoError(t, err)
	assert.Equal(t, base, c.At)
	assert.Equal(t, "01JP", c.ID)

	for _, bad := range []string{"not-base64!!!", "bm9waXBl", Cursor{At: base}.Encode()} {
		_, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestPage_WalksAllItemsOnce(t *testing.T) {
	items := newestFirst()
	var seen []string
	var cur *Cursor
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5)
		page, next := Page(items, cur, 2, key)
		for _, it := range page {
			seen = append(seen, it.id)
		}
		if next == "" {
			break
		}
		var err error
		cur, err = Decode(next)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, seen)
}

func TestPage_CursorPastEnd(t *testing.T) {
	page, next := Page(newestFirst(), &Cursor{At: base.Add(-time.Hour), ID: "z"}, 10, key)
	assert.Empty(t, page)
	assert.Empty(t, next)
}

func TestPage_NewItemsDoNotShiftLaterPages(t *testing.T) {
	items := newestFirst()
	first, next := Page(items, nil, 2, key)
	require.Len(t, first, 2)

	items = append([]item{{base.Add(time.Minute), "f"}}, items...)
	cur, err := Decode(next)
	require.NoError(t, err)
	second, _ := Page(items, cur, 2, key)
	assert.Equal(t, []item{items[3], items[4]}, second)
}
