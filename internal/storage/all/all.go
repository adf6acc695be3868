// Package all registers every storage backend via side-effect imports.
// Import it (blank) from binaries that select a backend at runtime.
package all

import (
	_ "datalens/internal/storage/mssql"
	_ "datalens/internal/storage/postgres"
	_ "datalens/internal/storage/sqlite"
)
