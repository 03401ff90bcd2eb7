package db

// ObjectType names a kind of schema object a dialect can list and drop.
type ObjectType string

const (
	ObjectTable            ObjectType = "table"
	ObjectView             ObjectType = "view"
	ObjectMaterializedView ObjectType = "materialized_view"
	ObjectSequence         ObjectType = "sequence"
	ObjectTrigger          ObjectType = "trigger"
	ObjectUserType         ObjectType = "type"
	ObjectSynonym          ObjectType = "synonym"
)

// Object identifies one schema object.
type Object struct {
	Type   ObjectType
	Schema string
	Name   string
}

// QualifiedName returns schema.name.
func (o Object) QualifiedName() string {
	if o.Schema == "" {
		return o.Name
	}
	return o.Schema + "." + o.Name
}

func (o Object) String() string {
	return string(o.Type) + " " + o.QualifiedName()
}
