package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/op/go-logging"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logging.Level{
		"":        logging.INFO,
		"debug":   logging.DEBUG,
		"WARNING": logging.WARNING,
		"error":   logging.ERROR,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("parse %q failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %v, got %v", in, want, got)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level error")
	}
}

func TestSetupFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	closer, err := Setup(Config{Level: "debug", Output: "file:" + path})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	t.Cleanup(func() {
		_ = closer.Close()
		_, _ = Setup(Config{})
	})
	log := MustGetLogger("logtest")
	log.Infof("hello %d", 42)
	RateLimitedf(log, "k", time.Hour, "limited")
	RateLimitedf(log, "k", time.Hour, "limited")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	if !strings.Contains(string(data), "hello 42") {
		t.Fatalf("log line missing: %q", data)
	}
	if strings.Count(string(data), "limited") != 1 {
		t.Fatalf("rate limited line should appear once: %q", data)
	}
}

func TestSetupRejectsUnknownOutput(t *testing.T) {
	if _, err := Setup(Config{Output: "syslog"}); err == nil {
		t.Fatalf("expected error")
	}
}
