package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateLockID(t *testing.T) {
	a := GenerateLockID("kg", "article", "1")
	assert.Equal(t, a, GenerateLockID("kg", "article", "1"))
	assert.NotEqual(t, a, GenerateLockID("kg", "article", "2"))
	// 区切りを含めるため連結結果が同じでも衝突しない
	assert.NotEqual(t, GenerateLockID("ab", "c"), GenerateLockID("a", "bc"))
}

func TestConnectionParams_DSN(t *testing.T) {
	p := ConnectionParams{Host: "db", Port: 5433, User: "u", Password: "p", DBName: "rag", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=rag sslmode=disable", p.DSN())
}
