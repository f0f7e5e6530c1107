// Package palette translates between the store's global question index and
// the per-section frame the question palette is drawn in.
package palette

import (
	"github.com/stemsi/exstem-engine/internal/engine"
	"github.com/stemsi/exstem-engine/internal/model"
)

// Item is one palette button.
type Item struct {
	Label       int          `json:"label"`
	QuestionID  string       `json:"question_id"`
	GlobalIndex int          `json:"global_index"`
	Status      model.Status `json:"status"`
	Current     bool         `json:"current"`
}

// View is the palette of one section.
type View struct {
	Section     int    `json:"section"`
	SectionID   string `json:"section_id"`
	SectionName string `json:"section_name"`
	Items       []Item `json:"items"`
}

// SectionSummary counts statuses within one section.
type SectionSummary struct {
	Section     int         `json:"section"`
	SectionID   string      `json:"section_id"`
	SectionName string      `json:"section_name"`
	Active      bool        `json:"active"`
	Stats       model.Stats `json:"stats"`
}

// Offsets returns the global index of the first question of every section.
func Offsets(cfg *model.ExamConfig) []int {
	offsets := make([]int, len(cfg.Sections))
	start := 0
	for i, s := range cfg.Sections {
		offsets[i] = start
		start += len(s.Questions)
	}
	return offsets
}

// GlobalIndex converts a section-local position to a global index.
func GlobalIndex(cfg *model.ExamConfig, section, local int) (int, bool) {
	if section < 0 || section >= len(cfg.Sections) {
		return -1, false
	}
	if local < 0 || local >= len(cfg.Sections[section].Questions) {
		return -1, false
	}
	return Offsets(cfg)[section] + local, true
}

// Locate converts a global index to its section and section-local position.
func Locate(cfg *model.ExamConfig, global int) (section, local int, ok bool) {
	if global < 0 {
		return -1, -1, false
	}
	for i, s := range cfg.Sections {
		if global < len(s.Questions) {
			return i, global, true
		}
		global -= len(s.Questions)
	}
	return -1, -1, false
}

// Build returns the palette of the section holding the cursor.
func Build(cfg *model.ExamConfig, snap model.Snapshot) View {
	return ForSection(cfg, snap, snap.CurrentSection)
}

// ForSection returns the palette of any section. Current is set only on the
// item under the store's cursor, so other sections show no current item.
func ForSection(cfg *model.ExamConfig, snap model.Snapshot, section int) View {
	if section < 0 || section >= len(cfg.Sections) {
		return View{Section: section}
	}
	sec := cfg.Sections[section]
	offset := Offsets(cfg)[section]

	curSection, curLocal, curOK := Locate(cfg, snap.CurrentIndex)
	view := View{
		Section:     section,
		SectionID:   sec.ID,
		SectionName: sec.Name,
		Items:       make([]Item, len(sec.Questions)),
	}
	for i, q := range sec.Questions {
		status := model.StatusNotVisited
		if qs, ok := snap.Questions[q.ID]; ok && qs.Status != "" {
			status = qs.Status
		}
		view.Items[i] = Item{
			Label:       i + 1,
			QuestionID:  q.ID,
			GlobalIndex: offset + i,
			Status:      status,
			Current:     curOK && curSection == section && curLocal == i,
		}
	}
	return view
}

// Overview returns per-section status counts in section order.
func Overview(cfg *model.ExamConfig, snap model.Snapshot) []SectionSummary {
	out := make([]SectionSummary, len(cfg.Sections))
	for i, sec := range cfg.Sections {
		sub := &model.ExamConfig{ID: cfg.ID, Sections: []model.Section{sec}}
		out[i] = SectionSummary{
			Section:     i,
			SectionID:   sec.ID,
			SectionName: sec.Name,
			Active:      i == snap.CurrentSection,
			Stats:       engine.StatsOf(sub, snap),
		}
	}
	return out
}
