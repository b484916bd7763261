package tui

import (
	"fmt"

	"bitten-master/src/view"
)

// Item is one build row of the board. It implements bubbles/list.Item.
type Item struct {
	Build view.BuildView
}

// FilterValue is the value used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Build.Config + " " + i.Build.Rev }

// Title returns the primary text for the item (required by list.Item).
func (i Item) Title() string {
	return fmt.Sprintf("%s [%s] on %s", i.Build.ConfigLabel, i.Build.Rev, i.Build.Platform)
}

// Description returns the secondary text for the item (required by list.Item).
func (i Item) Description() string { return i.Build.Status }

func itemsFrom(builds []view.BuildView) []Item {
	items := make([]Item, len(builds))
	for i, b := range builds {
		items[i] = Item{Build: b}
	}
	return items
}
