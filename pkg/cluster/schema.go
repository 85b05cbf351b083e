package cluster

// Schema kinds. Standard databases belong to one tenant; shared databases are
// written by a privileged process and read broadly, and carry the repository
// name they publish.
const (
	SchemaKindStandard = "standard"
	SchemaKindShared   = "shared"
)

// schemaDDL returns the DDL applied when a database of the given kind is
// created. Unknown kinds get the standard schema.
func schemaDDL(kind string) []string {
	base := []string{
		"CREATE NODE TABLE IF NOT EXISTS Entity(identifier STRING, name STRING, created_at TIMESTAMP, PRIMARY KEY(identifier))",
		"CREATE REL TABLE IF NOT EXISTS RELATES_TO(FROM Entity TO Entity, kind STRING)",
	}
	if kind == SchemaKindShared {
		return append(base,
			"CREATE NODE TABLE IF NOT EXISTS Publication(identifier STRING, repository STRING, published_at TIMESTAMP, PRIMARY KEY(identifier))",
			"CREATE REL TABLE IF NOT EXISTS PUBLISHED_IN(FROM Entity TO Publication)",
		)
	}
	return base
}
