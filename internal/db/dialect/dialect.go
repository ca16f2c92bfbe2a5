// Package dialect holds the SQL fragments that differ between the catalog's
// two supported drivers.
package dialect

// sqlx driver names.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is the pgx PostgreSQL driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean for storage; SQLite has no native boolean.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Now returns the SQL expression for the current timestamp.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}
