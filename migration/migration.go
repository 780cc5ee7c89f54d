// Ordered, additive schema migrations applied by the internal database
// wrapper. Each migration runs inside its own transaction.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
