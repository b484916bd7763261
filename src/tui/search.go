package tui

import (
	"strings"
)

// applyFilter filters items by the configuration filter and search query.
func (m *BoardModel) applyFilter() {
	filter := m.header.GetFilter()
	query := strings.ToLower(m.searchQuery)

	filtered := make([]Item, 0, len(m.items))
	for _, item := range m.items {
		if filter != AllConfigs && item.Build.Config != filter {
			continue
		}
		if query != "" && !matches(item, query) {
			continue
		}
		filtered = append(filtered, item)
	}
	m.listView.SetItems(filtered)
}

// matches reports whether the build mentions query in its configuration,
// platform, revision, status or slave.
func matches(item Item, query string) bool {
	b := item.Build
	for _, field := range []string{b.Config, b.ConfigLabel, b.Platform, b.Rev, b.Status, b.Slave.Name, b.ChgsetAuthor} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
