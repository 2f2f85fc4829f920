package migrate

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRunTwice(t *testing.T) {
	cfg := &Config{DBType: "sqlite", DBConn: filepath.Join(t.TempDir(), "jobs.db")}
	for i := 0; i < 2; i++ {
		if err := Run(context.Background(), cfg); err != nil {
			t.Fatalf("Run() #%d err = %v; want nil", i+1, err)
		}
	}
}

func TestRunUnknownDB(t *testing.T) {
	if err := Run(context.Background(), &Config{DBType: "oracle"}); err == nil {
		t.Fatal("Run() err = nil; want error")
	}
}
