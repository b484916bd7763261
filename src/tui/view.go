package tui

import (
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
)

// View manages the list of builds.
type View struct {
	list     list.Model
	delegate *Delegate
}

// NewView creates a new build list view
func NewView(styles *StyleConfig) View {
	delegate := NewDelegateWithStyles(styles)
	l := list.New([]list.Item{}, &delegate, 0, 0)
	l.SetShowStatusBar(false)
	l.SetShowTitle(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)

	return View{
		list:     l,
		delegate: &delegate,
	}
}

// Update handles list updates
func (v View) Update(msg tea.Msg) (View, tea.Cmd) {
	var cmd tea.Cmd
	v.list, cmd = v.list.Update(msg)
	return v, cmd
}

// SetSize sets the list dimensions
func (v *View) SetSize(width, height int) {
	v.list.SetSize(width, height)
}

// SetItems replaces the list items, keeping the selection on the same build
// when it is still listed.
func (v *View) SetItems(items []Item) {
	var selected int64
	if cur, ok := v.GetSelectedItem(); ok {
		selected = cur.Build.ID
	}

	var maxID int64
	listItems := make([]list.Item, len(items))
	index := 0
	for i, item := range items {
		if item.Build.ID > maxID {
			maxID = item.Build.ID
		}
		if item.Build.ID == selected {
			index = i
		}
		listItems[i] = item
	}
	v.delegate.SetColumnWidths(maxID)
	v.list.SetItems(listItems)
	v.list.Select(index)
}

// Len returns the number of listed builds.
func (v View) Len() int {
	return len(v.list.Items())
}

// GetSelectedItem returns the currently selected build
func (v View) GetSelectedItem() (Item, bool) {
	item, ok := v.list.SelectedItem().(Item)
	return item, ok
}

// Render returns the string representation of the view
func (v View) Render() string {
	return v.list.View()
}

// GetDelegate returns the delegate for accessing column widths
func (v View) GetDelegate() *Delegate {
	return v.delegate
}
