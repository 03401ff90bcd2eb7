// Package updates classifies the scripts on disk against the scripts already
// executed on the database.
package updates

import (
	"fmt"
	"slices"
	"strings"

	"dbmaintain/internal/script"
)

// UpdateType tags a single classified script update.
type UpdateType int

const (
	HigherIndexScriptAdded UpdateType = iota
	RepeatableScriptAdded
	RepeatableScriptUpdated
	RepeatableScriptDeleted
	PostprocessingScriptAdded
	PostprocessingScriptUpdated
	PostprocessingScriptDeleted
	IndexedScriptUpdated
	IndexedScriptDeleted
	LowerIndexNonPatchScriptAdded
	LowerIndexPatchScriptAdded
	IndexedScriptRenamed
	RepeatableScriptRenamed
)

var typeNames = map[UpdateType]string{
	HigherIndexScriptAdded:        "higher index script added",
	RepeatableScriptAdded:         "repeatable script added",
	RepeatableScriptUpdated:       "repeatable script updated",
	RepeatableScriptDeleted:       "repeatable script deleted",
	PostprocessingScriptAdded:     "postprocessing script added",
	PostprocessingScriptUpdated:   "postprocessing script updated",
	PostprocessingScriptDeleted:   "postprocessing script deleted",
	IndexedScriptUpdated:          "indexed script updated",
	IndexedScriptDeleted:          "indexed script deleted",
	LowerIndexNonPatchScriptAdded: "lower index script added",
	LowerIndexPatchScriptAdded:    "lower index patch script added",
	IndexedScriptRenamed:          "indexed script renamed",
	RepeatableScriptRenamed:       "repeatable script renamed",
}

func (t UpdateType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("UpdateType(%d)", int(t))
}

// MarshalText lets update types render as strings in JSON.
func (t UpdateType) MarshalText() ([]byte, error) {
	return []byte(strings.ReplaceAll(t.String(), " ", "_")), nil
}

// ScriptUpdate pairs one script with its update type. Renames also carry the
// previously executed script.
type ScriptUpdate struct {
	Type     UpdateType
	Script   *script.Script
	Previous *script.Script
}

func (u ScriptUpdate) String() string {
	if u.Previous != nil {
		return fmt.Sprintf("%s: %s -> %s", u.Type, u.Previous.Name(), u.Script.Name())
	}
	return fmt.Sprintf("%s: %s", u.Type, u.Script.Name())
}

func compareUpdates(a, b ScriptUpdate) int {
	return a.Script.Compare(b.Script)
}

// ScriptUpdates is the result of one classification pass. Every set is
// sorted in execution order and never modified after construction.
type ScriptUpdates struct {
	regular             []ScriptUpdate
	irregular           []ScriptUpdate
	repeatableDeletions []ScriptUpdate
	patch               []ScriptUpdate
	postprocessing      []ScriptUpdate
	renames             []ScriptUpdate
}

func newScriptUpdates(regular, irregular, repeatableDeletions, patch, postprocessing, renames []ScriptUpdate) *ScriptUpdates {
	for _, set := range [][]ScriptUpdate{regular, irregular, repeatableDeletions, patch, postprocessing, renames} {
		slices.SortStableFunc(set, compareUpdates)
	}
	return &ScriptUpdates{
		regular:             regular,
		irregular:           irregular,
		repeatableDeletions: repeatableDeletions,
		patch:               patch,
		postprocessing:      postprocessing,
		renames:             renames,
	}
}

func (u *ScriptUpdates) Regular() []ScriptUpdate   { return slices.Clone(u.regular) }
func (u *ScriptUpdates) Irregular() []ScriptUpdate { return slices.Clone(u.irregular) }
func (u *ScriptUpdates) RepeatableDeletions() []ScriptUpdate {
	return slices.Clone(u.repeatableDeletions)
}
func (u *ScriptUpdates) Patch() []ScriptUpdate          { return slices.Clone(u.patch) }
func (u *ScriptUpdates) Postprocessing() []ScriptUpdate { return slices.Clone(u.postprocessing) }
func (u *ScriptUpdates) Renames() []ScriptUpdate        { return slices.Clone(u.renames) }

func (u *ScriptUpdates) IsEmpty() bool {
	return len(u.regular) == 0 && len(u.irregular) == 0 && len(u.repeatableDeletions) == 0 &&
		len(u.patch) == 0 && len(u.postprocessing) == 0 && len(u.renames) == 0
}

func (u *ScriptUpdates) HasIrregularScriptUpdates() bool { return len(u.irregular) > 0 }

// HasOnlyDeletionsOrRenames reports whether the only detected changes are
// removed repeatable scripts and renamed scripts.
func (u *ScriptUpdates) HasOnlyDeletionsOrRenames() bool {
	return !u.IsEmpty() && len(u.regular) == 0 && len(u.irregular) == 0 &&
		len(u.patch) == 0 && len(u.postprocessing) == 0
}

// All returns every update across all sets.
func (u *ScriptUpdates) All() []ScriptUpdate {
	var out []ScriptUpdate
	for _, set := range [][]ScriptUpdate{u.regular, u.irregular, u.repeatableDeletions, u.patch, u.postprocessing, u.renames} {
		out = append(out, set...)
	}
	return out
}

// Describe returns a human-readable summary of the updates.
func Describe(u *ScriptUpdates) string {
	if u.IsEmpty() {
		return "database is up to date"
	}
	var lines []string
	add := func(title string, set []ScriptUpdate) {
		if len(set) == 0 {
			return
		}
		lines = append(lines, title+":")
		for _, su := range set {
			lines = append(lines, "  - "+su.String())
		}
	}
	add("Irregular updates", u.irregular)
	add("Out-of-sequence patches", u.patch)
	add("Regular updates", u.regular)
	add("Deleted repeatable scripts", u.repeatableDeletions)
	add("Renamed scripts", u.renames)
	add("Postprocessing updates", u.postprocessing)
	return strings.Join(lines, "\n")
}
