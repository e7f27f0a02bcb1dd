package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgErrCodeUniqueViolation     = "23505"
	pgErrCodeUndefinedFile       = "58P01"
	pgErrCodeFeatureNotSupported = "0A000"
	pgErrCodeInsufficientPriv    = "42501"
)

// IsUniqueViolation は PostgreSQL の unique_violation(23505) かどうかを判定します
func IsUniqueViolation(err error) bool {
	return hasCode(err, pgErrCodeUniqueViolation)
}

// isExtensionUnavailable は拡張が未インストール・権限不足で作成できないエラーかどうかを判定します
func isExtensionUnavailable(err error) bool {
	return hasCode(err, pgErrCodeUndefinedFile, pgErrCodeFeatureNotSupported, pgErrCodeInsufficientPriv)
}

func hasCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}
