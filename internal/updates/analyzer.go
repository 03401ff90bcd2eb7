package updates

import (
	"fmt"
	"slices"

	"dbmaintain/internal/script"
)

// CalculateScriptUpdates classifies every script on disk against every
// executed script. It has no side effects beyond reading script content for
// checksums.
func CalculateScriptUpdates(scripts []*script.Script, executed []*script.ExecutedScript, useLastModifiedDates, allowOutOfSequencePatches bool) (*ScriptUpdates, error) {
	a := analysis{
		useLastModifiedDates:      useLastModifiedDates,
		allowOutOfSequencePatches: allowOutOfSequencePatches,
		executedByKey:             make(map[string]*script.ExecutedScript, len(executed)),
		onDisk:                    make(map[string]*script.Script, len(scripts)),
		renamedNew:                map[string]bool{},
		renamedOld:                map[string]bool{},
	}
	if err := a.run(scripts, executed); err != nil {
		return nil, err
	}
	return newScriptUpdates(a.regular, a.irregular, a.repeatableDeletions, a.patch, a.postprocessing, a.renames), nil
}

type analysis struct {
	useLastModifiedDates      bool
	allowOutOfSequencePatches bool

	executedByKey map[string]*script.ExecutedScript
	onDisk        map[string]*script.Script
	renamedNew    map[string]bool
	renamedOld    map[string]bool

	executedIncremental []*script.Script

	regular             []ScriptUpdate
	irregular           []ScriptUpdate
	repeatableDeletions []ScriptUpdate
	patch               []ScriptUpdate
	postprocessing      []ScriptUpdate
	renames             []ScriptUpdate
}

func (a *analysis) run(scripts []*script.Script, executed []*script.ExecutedScript) error {
	for _, e := range executed {
		a.executedByKey[e.Script.Key()] = e
		if e.Script.IsIncremental() {
			a.executedIncremental = append(a.executedIncremental, e.Script)
		}
	}
	script.Sort(a.executedIncremental)

	var fresh []*script.Script
	for _, s := range scripts {
		a.onDisk[s.Key()] = s
		if _, ok := a.executedByKey[s.Key()]; !ok {
			fresh = append(fresh, s)
		}
	}
	script.Sort(fresh)

	var missing []*script.Script
	for _, e := range executed {
		if _, ok := a.onDisk[e.Script.Key()]; !ok {
			missing = append(missing, e.Script)
		}
	}
	script.Sort(missing)

	if err := a.detectRenames(missing, fresh); err != nil {
		return err
	}

	for _, old := range missing {
		if a.renamedOld[old.Key()] {
			continue
		}
		switch {
		case old.IsPostprocessing():
			a.postprocessing = append(a.postprocessing, ScriptUpdate{Type: PostprocessingScriptDeleted, Script: old})
		case old.IsIncremental():
			if old.IsIgnored() {
				continue
			}
			a.irregular = append(a.irregular, ScriptUpdate{Type: IndexedScriptDeleted, Script: old})
		default:
			a.repeatableDeletions = append(a.repeatableDeletions, ScriptUpdate{Type: RepeatableScriptDeleted, Script: old})
		}
	}

	var highest *script.Script
	if n := len(a.executedIncremental); n > 0 {
		highest = a.executedIncremental[n-1]
	}

	for _, s := range scripts {
		if a.renamedNew[s.Key()] {
			continue
		}
		prior, wasExecuted := a.executedByKey[s.Key()]
		switch {
		case s.IsPostprocessing():
			if err := a.classifyChanged(s, prior, wasExecuted, PostprocessingScriptAdded, PostprocessingScriptUpdated, &a.postprocessing, &a.postprocessing); err != nil {
				return err
			}
		case s.IsRepeatable():
			if err := a.classifyChanged(s, prior, wasExecuted, RepeatableScriptAdded, RepeatableScriptUpdated, &a.regular, &a.regular); err != nil {
				return err
			}
		case wasExecuted:
			same, err := s.SameContent(prior.Script, a.useLastModifiedDates)
			if err != nil {
				return fmt.Errorf("compare %s: %w", s.Name(), err)
			}
			if !same {
				a.irregular = append(a.irregular, ScriptUpdate{Type: IndexedScriptUpdated, Script: s})
			}
		case s.IsIgnored():
			// below the baseline: already satisfied
		case highest == nil || s.Index().Compare(highest.Index()) > 0:
			a.regular = append(a.regular, ScriptUpdate{Type: HigherIndexScriptAdded, Script: s})
		case s.IsPatch():
			u := ScriptUpdate{Type: LowerIndexPatchScriptAdded, Script: s}
			if a.allowOutOfSequencePatches {
				a.patch = append(a.patch, u)
			} else {
				a.irregular = append(a.irregular, u)
			}
		default:
			a.irregular = append(a.irregular, ScriptUpdate{Type: LowerIndexNonPatchScriptAdded, Script: s})
		}
	}
	return nil
}

func (a *analysis) classifyChanged(s *script.Script, prior *script.ExecutedScript, wasExecuted bool, added, updated UpdateType, addedSet, updatedSet *[]ScriptUpdate) error {
	if !wasExecuted {
		*addedSet = append(*addedSet, ScriptUpdate{Type: added, Script: s})
		return nil
	}
	same, err := s.SameContent(prior.Script, a.useLastModifiedDates)
	if err != nil {
		return fmt.Errorf("compare %s: %w", s.Name(), err)
	}
	if !same {
		*updatedSet = append(*updatedSet, ScriptUpdate{Type: updated, Script: s})
	}
	return nil
}

// detectRenames pairs executed scripts that disappeared from disk with new
// scripts holding identical content. An incremental rename must keep the
// script at the same position in the executed sequence.
func (a *analysis) detectRenames(missing, fresh []*script.Script) error {
	for _, old := range missing {
		if old.IsPostprocessing() {
			continue
		}
		oldSum, err := old.Checksum()
		if err != nil || oldSum == "" {
			continue
		}
		for _, candidate := range fresh {
			if a.renamedNew[candidate.Key()] || candidate.IsPostprocessing() {
				continue
			}
			if old.IsIncremental() != candidate.IsIncremental() {
				continue
			}
			sum, err := candidate.Checksum()
			if err != nil {
				return fmt.Errorf("checksum %s: %w", candidate.Name(), err)
			}
			if sum != oldSum {
				continue
			}
			typ := RepeatableScriptRenamed
			if old.IsIncremental() {
				if a.position(old, old) != a.position(candidate, old) {
					continue
				}
				typ = IndexedScriptRenamed
			}
			a.renamedOld[old.Key()] = true
			a.renamedNew[candidate.Key()] = true
			a.renames = append(a.renames, ScriptUpdate{Type: typ, Script: candidate, Previous: old})
			break
		}
	}
	return nil
}

// position counts the executed incremental scripts, other than exclude, that
// sort before s.
func (a *analysis) position(s, exclude *script.Script) int {
	n := 0
	for _, e := range a.executedIncremental {
		if e.Equal(exclude) {
			continue
		}
		if e.Compare(s) < 0 {
			n++
		}
	}
	return n
}

// HighestExecutedIndex returns the index of the highest executed incremental
// script, or nil when none ran yet.
func HighestExecutedIndex(executed []*script.ExecutedScript) script.Index {
	var incremental []*script.Script
	for _, e := range executed {
		if e.Script.IsIncremental() {
			incremental = append(incremental, e.Script)
		}
	}
	if len(incremental) == 0 {
		return nil
	}
	return slices.MaxFunc(incremental, (*script.Script).Compare).Index()
}
