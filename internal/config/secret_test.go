package config

import "testing"

func TestResolveSecret(t *testing.T) {
	t.Setenv("NEWSRELAY_TEST_KEY", "abc")
	if v, err := ResolveSecret("env:NEWSRELAY_TEST_KEY"); err != nil || v != "abc" {
		t.Fatalf("env ref = %q, %v", v, err)
	}
	if _, err := ResolveSecret("env:NEWSRELAY_MISSING_KEY"); err == nil {
		t.Fatal("missing env should fail")
	}
	if v, _ := ResolveSecret("literal"); v != "literal" {
		t.Fatalf("literal = %q", v)
	}
}
