package cleanup

import (
	"strings"

	"dbmaintain/internal/config"
	"dbmaintain/internal/db"
)

// preserveSet answers whether an object must survive clearing or cleaning.
// Entries are matched case-insensitively either as "schema.name" or as a bare
// name within the first schema of the database.
type preserveSet struct {
	schemas  map[string]bool
	objects  map[db.ObjectType]map[string]bool
	dataOnly map[string]bool
}

func newPreserveSet(cfg config.PreserveConfig) preserveSet {
	p := preserveSet{
		schemas:  toSet(cfg.Schemas),
		objects:  map[db.ObjectType]map[string]bool{},
		dataOnly: toSet(cfg.DataOnlyTables),
	}
	p.objects[db.ObjectTable] = toSet(cfg.Tables)
	p.objects[db.ObjectView] = toSet(cfg.Views)
	p.objects[db.ObjectMaterializedView] = toSet(cfg.MaterializedViews)
	p.objects[db.ObjectSequence] = toSet(cfg.Sequences)
	p.objects[db.ObjectTrigger] = toSet(cfg.Triggers)
	p.objects[db.ObjectUserType] = toSet(cfg.Types)
	p.objects[db.ObjectSynonym] = toSet(cfg.Synonyms)
	return p
}

func (p preserveSet) schema(name string) bool {
	return p.schemas[strings.ToLower(name)]
}

func (p preserveSet) object(obj db.Object, defaultSchema string) bool {
	return matches(p.objects[obj.Type], obj, defaultSchema)
}

// data reports whether a table keeps its rows during cleaning. Tables
// preserved from clearing keep their data too.
func (p preserveSet) data(table db.Object, defaultSchema string) bool {
	return matches(p.dataOnly, table, defaultSchema) || p.object(table, defaultSchema)
}

func matches(set map[string]bool, obj db.Object, defaultSchema string) bool {
	if len(set) == 0 {
		return false
	}
	if set[strings.ToLower(obj.Schema+"."+obj.Name)] {
		return true
	}
	return strings.EqualFold(obj.Schema, defaultSchema) && set[strings.ToLower(obj.Name)]
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out[item] = true
		}
	}
	return out
}
