// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "github.com/microsoft/go-mssqldb"

	_ "ahnung/internal/storage/mongo"
	_ "ahnung/internal/storage/mssql"
	_ "ahnung/internal/storage/postgres"
	_ "ahnung/internal/storage/sqlite"
)
