package models

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

var (
	// ErrDuplicateKey is returned when a live record already holds the (invoice, stage) key.
	// Callers treat it as an idempotency signal, not a failure.
	ErrDuplicateKey = errors.New("escalation record already exists for invoice and stage")

	ErrRecordNotFound    = errors.New("escalation record not found")
	ErrInvalidTransition = errors.New("invalid escalation record transition")
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
