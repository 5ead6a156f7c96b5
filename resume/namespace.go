package resume

import (
	"fmt"
	"strings"
)

// Namespace is a fully qualified collection name.
type Namespace struct {
	Database   string
	Collection string
}

// String returns the namespace as "db.collection".
func (n Namespace) String() string {
	return n.Database + "." + n.Collection
}

// IsZero reports whether the namespace is unset.
func (n Namespace) IsZero() bool {
	return n.Database == "" && n.Collection == ""
}

// ParseNamespace parses "db.collection". Collection names may contain dots,
// database names may not.
func ParseNamespace(s string) (Namespace, error) {
	db, coll, ok := strings.Cut(s, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, fmt.Errorf("invalid namespace %q", s)
	}
	return Namespace{Database: db, Collection: coll}, nil
}
