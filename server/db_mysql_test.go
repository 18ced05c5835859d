// +build integration

package server

import (
	"flag"
	"testing"
)

var dialmysql = flag.String("mysql", "/test", "Dial for mysql")

func TestMySQLVerifyDB(t *testing.T) {
	db, err := NewMysqlVerifyDB(*dialmysql)
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	runVerifySequence(t, db)
}
