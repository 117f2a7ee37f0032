// graph-inspect dumps the local ingest ledger for debugging. It opens the
// SQLite file directly and prints whatever the tables hold, so it works even
// when the ledger schema drifts from the CLI's structs.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := ".cadgraph/ledger.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}

	if _, err := os.Stat(dbPath); err != nil {
		fmt.Printf("Ledger not found at %s\n", dbPath)
		fmt.Println("Usage: graph-inspect [ledger.db]")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Printf("Error opening ledger: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		fmt.Printf("Error querying tables: %v\n", err)
		os.Exit(1)
	}
	var tables []string
	for rows.Next() {
		var name string
		rows.Scan(&name)
		tables = append(tables, name)
	}
	rows.Close()
	fmt.Printf("Tables: %v\n", tables)

	for _, table := range tables {
		dumpTable(db, table, 10)
	}
}

func dumpTable(db *sql.DB, table string, limit int) {
	fmt.Printf("\n=== %s ===\n", table)

	var count int
	db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
	fmt.Printf("Rows: %d\n", count)
	if count == 0 {
		return
	}

	rows, err := db.Query(fmt.Sprintf("SELECT * FROM %s ORDER BY created_at DESC LIMIT %d", table, limit))
	if err != nil {
		// Not every table carries created_at; fall back to natural order.
		rows, err = db.Query(fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit))
		if err != nil {
			fmt.Printf("Error querying %s: %v\n", table, err)
			return
		}
	}
	defer rows.Close()

	cols, _ := rows.Columns()
	fmt.Println("─────────────────────────────────────────────────────────────")
	i := 0
	for rows.Next() {
		// Scan all columns dynamically
		values := make([]interface{}, len(cols))
		valuePtrs := make([]interface{}, len(cols))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			fmt.Printf("Scan error: %v\n", err)
			continue
		}
		i++
		fmt.Printf("%d. ", i)
		for j, col := range cols {
			val := values[j]
			if s, ok := val.(string); ok && len(s) > 80 {
				val = s[:80] + "..."
			}
			fmt.Printf("%s=%v  ", col, val)
		}
		fmt.Println()
	}
}
