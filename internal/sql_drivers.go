package internal

import (
	// Blank imports register the database/sql drivers used by the SQL
	// publisher; callers select one by name in the config.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
