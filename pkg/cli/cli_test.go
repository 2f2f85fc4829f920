package cli

import (
	"flag"
	"testing"
)

func TestMapValue(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var creds map[string]string
	fsMapVar(fs, &creds, "creds", nil, "")
	if err := fs.Parse([]string{"-creds", "admin:s3:cret;viewer:pass"}); err != nil {
		t.Fatal(err)
	}
	if creds["admin"] != "s3:cret" || creds["viewer"] != "pass" {
		t.Fatalf("creds = %v; want admin and viewer", creds)
	}
	if err := fs.Parse([]string{"-creds", "broken"}); err == nil {
		t.Fatal("Parse() err = nil; want invalid entry error")
	}
}

func TestCommands(t *testing.T) {
	root := New("1.0.0", "", "")
	want := map[string]bool{"version": true, "migrate": true, "generate": true, "serve": true, "reconcile": true}
	for _, c := range root.Subcommands {
		delete(want, c.Name)
	}
	if len(want) != 0 {
		t.Fatalf("missing commands %v", want)
	}
}
