// Package mysql persists the terminal outcome of every proof stage for audit.
// It ships a JSON-lines file repository for local runs and a MySQL repository
// whose schema is applied from the embedded migrations in deploy/migrations.
package mysql
